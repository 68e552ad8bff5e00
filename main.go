package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"zing-server/internal/attachments"
	"zing-server/internal/config"
	"zing-server/internal/db"
	"zing-server/internal/handlers"
	"zing-server/internal/membership"
	"zing-server/internal/middleware"
	"zing-server/internal/observability"
	"zing-server/internal/rabbitmq"
	"zing-server/internal/repositories"
	"zing-server/internal/security"
	"zing-server/internal/telemetry"
	"zing-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.OTLPEndpoint, cfg.AppName, cfg.Env)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	userRepo := repositories.NewUserRepo(database)
	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	tokens := security.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	hasher := security.NewPasswordHasher(0)

	engine := membership.NewEngine(conversationRepo, messageRepo, userRepo)

	store := attachments.NewDiskStore(cfg.UploadDir, cfg.PublicFileURL)
	relay := attachments.NewRelay(store, cfg.UploadDir)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s", rabbitmq.PublisherMode(publisher))
	audit := telemetry.NewAuditEmitter(publisher, "audit_logs.zing", cfg.AppName, cfg.Env)

	hub := ws.NewHub()

	authHandler := handlers.NewAuthHandler(userRepo, tokens, hasher, engine, store, audit)
	chatHandler := handlers.NewChatHandler(engine, conversationRepo, userRepo, store, hub, audit)
	messageHandler := handlers.NewMessageHandler(engine, messageRepo, relay, hub, audit)
	chatWS := ws.NewChatWebSocketHandler(hub, engine, tokens, publisher)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(otelgin.Middleware(cfg.AppName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.Auth(tokens, userRepo)

	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)
	router.GET("/auth/me", authMiddleware, authHandler.Me)
	router.PUT("/auth/profile", authMiddleware, authHandler.UpdateProfile)
	router.DELETE("/auth/account", authMiddleware, authHandler.DeleteAccount)

	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.POST("/chats", authMiddleware, chatHandler.CreateDirect)
	router.POST("/chats/group", authMiddleware, chatHandler.CreateGroup)
	router.GET("/chats/users", authMiddleware, chatHandler.ListUsers)
	router.GET("/chats/search", authMiddleware, chatHandler.SearchUsers)
	router.GET("/chats/:id/messages", authMiddleware, messageHandler.GetMessages)
	router.DELETE("/chats/:id/messages", authMiddleware, chatHandler.ClearMessages)
	router.PUT("/chats/:id", authMiddleware, chatHandler.UpdateGroup)
	router.PUT("/chats/:id/picture", authMiddleware, chatHandler.UploadGroupPicture)
	router.PUT("/chats/:id/add", authMiddleware, chatHandler.AddMember)
	router.PUT("/chats/:id/add-member", authMiddleware, chatHandler.AddMember)
	router.PUT("/chats/:id/remove-member", authMiddleware, chatHandler.RemoveMember)
	router.PUT("/chats/:id/promote-admin", authMiddleware, chatHandler.PromoteAdmin)
	router.PUT("/chats/:id/demote-admin", authMiddleware, chatHandler.DemoteAdmin)
	router.POST("/chats/:id/leave", authMiddleware, chatHandler.Leave)
	router.DELETE("/chats/:id", authMiddleware, chatHandler.DeleteGroup)

	router.POST("/messages", authMiddleware, messageHandler.SendMessage)
	router.PUT("/messages/:id/read", authMiddleware, messageHandler.MarkRead)

	router.GET("/ws/chats/:id", chatWS.Handle)

	router.Static("/files", store.Dir())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Printf("%s listening on %s", cfg.AppName, cfg.HTTPAddr())
	if err := router.Run(cfg.HTTPAddr()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
