package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"zing-server/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrDuplicateIdentifier = errors.New("identifier already registered")
)

const userColumns = `id, name, email, mobile, password_hash, avatar_url, status,
    theme, notifications_enabled, read_receipts_enabled,
    profile_visibility, last_seen_visibility, created_at, updated_at`

// UserRepository abstracts user persistence.
type UserRepository interface {
	Create(ctx context.Context, name string, email, mobile *string, passwordHash string) (models.User, error)
	GetByID(ctx context.Context, id int) (models.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (models.User, error)
	UpdateProfile(ctx context.Context, id int, update models.ProfileUpdate) (models.User, error)
	Search(ctx context.Context, excludeID int, query string, limit int) ([]models.User, error)
	List(ctx context.Context, excludeID int, limit int) ([]models.User, error)
	Exists(ctx context.Context, id int) (bool, error)
	AllExist(ctx context.Context, ids []int) (bool, error)
	Delete(ctx context.Context, id int) error
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.Mobile, &u.PasswordHash, &u.AvatarURL, &u.Status,
		&u.Preferences.Theme, &u.Preferences.Notifications, &u.Preferences.ReadReceipts,
		&u.Preferences.ProfileVisibility, &u.Preferences.LastSeenVisibility,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// Create inserts a new user. Returns ErrDuplicateIdentifier when the email
// or mobile is already registered.
func (r *UserRepo) Create(ctx context.Context, name string, email, mobile *string, passwordHash string) (models.User, error) {
	prefs := models.DefaultPreferences()
	row := r.db.QueryRowxContext(ctx, `INSERT INTO users
        (name, email, mobile, password_hash, theme, notifications_enabled, read_receipts_enabled, profile_visibility, last_seen_visibility)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING `+userColumns,
		name, email, mobile, passwordHash,
		prefs.Theme, prefs.Notifications, prefs.ReadReceipts, prefs.ProfileVisibility, prefs.LastSeenVisibility)
	u, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.User{}, ErrDuplicateIdentifier
		}
		return models.User{}, err
	}
	return u, nil
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id int) (models.User, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// GetByIdentifier looks a user up by email or mobile.
func (r *UserRepo) GetByIdentifier(ctx context.Context, identifier string) (models.User, error) {
	identifier = strings.TrimSpace(identifier)
	row := r.db.QueryRowxContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=$1 OR mobile=$1`, identifier)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// UpdateProfile applies the non-nil fields and returns the updated record.
func (r *UserRepo) UpdateProfile(ctx context.Context, id int, update models.ProfileUpdate) (models.User, error) {
	var theme, profileVis, lastSeenVis *string
	var notifications, readReceipts *bool
	if p := update.Preferences; p != nil {
		theme = &p.Theme
		notifications = &p.Notifications
		readReceipts = &p.ReadReceipts
		profileVis = &p.ProfileVisibility
		lastSeenVis = &p.LastSeenVisibility
	}

	row := r.db.QueryRowxContext(ctx, `UPDATE users SET
        name = COALESCE($2, name),
        status = COALESCE($3, status),
        avatar_url = COALESCE($4, avatar_url),
        theme = COALESCE($5, theme),
        notifications_enabled = COALESCE($6, notifications_enabled),
        read_receipts_enabled = COALESCE($7, read_receipts_enabled),
        profile_visibility = COALESCE($8, profile_visibility),
        last_seen_visibility = COALESCE($9, last_seen_visibility),
        updated_at = NOW()
        WHERE id=$1
        RETURNING `+userColumns,
		id, update.Name, update.Status, update.AvatarURL,
		theme, notifications, readReceipts, profileVis, lastSeenVis)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// Search finds users by name, email, or mobile, excluding the caller.
func (r *UserRepo) Search(ctx context.Context, excludeID int, query string, limit int) ([]models.User, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+userColumns+` FROM users
        WHERE id <> $1 AND (name ILIKE $2 OR email ILIKE $2 OR mobile ILIKE $2)
        ORDER BY name LIMIT $3`,
		excludeID, "%"+strings.TrimSpace(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// List returns users excluding the caller.
func (r *UserRepo) List(ctx context.Context, excludeID int, limit int) ([]models.User, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id <> $1 ORDER BY name LIMIT $2`, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sqlx.Rows) ([]models.User, error) {
	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Exists checks whether a user id is present.
func (r *UserRepo) Exists(ctx context.Context, id int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, id)
	return exists, err
}

// AllExist checks that every id refers to a user.
func (r *UserRepo) AllExist(ctx context.Context, ids []int) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return false, err
	}
	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); err != nil {
		return false, err
	}
	return count == len(ids), nil
}

// Delete removes the user record.
func (r *UserRepo) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}
