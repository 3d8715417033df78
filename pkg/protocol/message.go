// Package protocol maps chat messages to and from wire frames.
package protocol

import "time"

// Kind identifies a message variant.
type Kind int

const (
	KindLogin Kind = iota + 1
	KindLogout
	KindChatMessage
	KindWelcomeMessage
	KindUserEnteredChat
	KindUserLeftChat
	KindWhoIsInChat
)

// String returns the wire tag of the kind.
func (k Kind) String() string {
	if e, ok := byKind[k]; ok {
		return e.tag
	}
	return "unknown"
}

// Message is one of the protocol variants defined in this package.
type Message interface {
	Kind() Kind
	variant() variant
}

// Login is sent by a client to start a session.
type Login struct {
	Name string
}

// Logout ends the sender's session.
type Logout struct {
	Name string
}

// ChatMessage is a chat line. SentAt is formatted as HH:MM:SS.
type ChatMessage struct {
	Name   string
	Msg    string
	SentAt string
}

// WelcomeMessage is the server's reply to a successful login.
type WelcomeMessage struct {
	Msg    string
	SentAt string
}

// UserEnteredChat announces a new session to everybody in the chat.
type UserEnteredChat struct {
	Name string
	Msg  string
}

// UserLeftChat announces the end of a session.
type UserLeftChat struct {
	Name string
	Msg  string
}

// WhoIsInChat carries the names of everybody in the chat. A client sends it
// with no chatters to ask for the list.
type WhoIsInChat struct {
	Chatters []string
}

func (Login) Kind() Kind           { return KindLogin }
func (Logout) Kind() Kind          { return KindLogout }
func (ChatMessage) Kind() Kind     { return KindChatMessage }
func (WelcomeMessage) Kind() Kind  { return KindWelcomeMessage }
func (UserEnteredChat) Kind() Kind { return KindUserEnteredChat }
func (UserLeftChat) Kind() Kind    { return KindUserLeftChat }
func (WhoIsInChat) Kind() Kind     { return KindWhoIsInChat }

func (m Login) variant() variant           { return &m }
func (m Logout) variant() variant          { return &m }
func (m ChatMessage) variant() variant     { return &m }
func (m WelcomeMessage) variant() variant  { return &m }
func (m UserEnteredChat) variant() variant { return &m }
func (m UserLeftChat) variant() variant    { return &m }
func (m WhoIsInChat) variant() variant     { return &m }

// TimeFormat is the layout of SentAt fields.
const TimeFormat = "15:04:05"

// Timestamp formats t for a SentAt field.
func Timestamp(t time.Time) string {
	return t.Format(TimeFormat)
}
