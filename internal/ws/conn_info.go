package ws

import "time"

// ConnInfo carries identifying information for an open connection, used for
// logging and trace correlation when connections drop.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
