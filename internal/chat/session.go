package chat

import "time"

// Status is the presence of a session.
type Status int

const (
	StatusOnline Status = iota + 1
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Session is a logged in user. It is owned by one handler and only copies of
// it leave the handler.
type Session struct {
	Name         string
	Status       Status
	ConnectedAt  time.Time
	MessagesSent uint64
}

// NewSession returns an online session.
func NewSession(name string, now time.Time) *Session {
	return &Session{
		Name:        name,
		Status:      StatusOnline,
		ConnectedAt: now,
	}
}

// MarkOffline sets the session offline.
func (s *Session) MarkOffline() {
	s.Status = StatusOffline
}

// StatusUpdate reports a session's presence to the server.
type StatusUpdate struct {
	ConnID  string
	Session Session
}
