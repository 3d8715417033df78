package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/omochice/framechat/pkg/frame"
)

var (
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrMalformed       = errors.New("protocol: malformed message")
	ErrInvalidEncoding = errors.New("protocol: invalid text encoding")
)

// entry describes one message kind. The registry below is the only place
// that ties a tag to a variant, its field order and its direction; Encode and
// Decode both read from it.
type entry struct {
	kind       Kind
	tag        string
	serverOnly bool
	new        func() variant
}

var registry = []entry{
	{KindLogin, "login", false, func() variant { return &Login{} }},
	{KindLogout, "logout", false, func() variant { return &Logout{} }},
	{KindChatMessage, "chat_message", false, func() variant { return &ChatMessage{} }},
	{KindWelcomeMessage, "welcome_message", true, func() variant { return &WelcomeMessage{} }},
	{KindUserEnteredChat, "user_entered_chat", true, func() variant { return &UserEnteredChat{} }},
	{KindUserLeftChat, "user_left_chat", true, func() variant { return &UserLeftChat{} }},
	{KindWhoIsInChat, "who_is_in_chat", false, func() variant { return &WhoIsInChat{} }},
}

var (
	byKind = make(map[Kind]entry, len(registry))
	byTag  = make(map[string]entry, len(registry))
)

func init() {
	for _, e := range registry {
		byKind[e.kind] = e
		byTag[e.tag] = e
	}
}

// variant is implemented by pointers to the message structs. fields returns
// the payload in wire order.
type variant interface {
	fields() []field
	message() Message
}

func (m *Login) fields() []field       { return []field{text("name", &m.Name)} }
func (m *Logout) fields() []field      { return []field{text("name", &m.Name)} }
func (m *ChatMessage) fields() []field {
	return []field{text("name", &m.Name), text("msg", &m.Msg), text("sent_at", &m.SentAt)}
}
func (m *WelcomeMessage) fields() []field {
	return []field{text("sent_at", &m.SentAt), text("msg", &m.Msg)}
}
func (m *UserEnteredChat) fields() []field {
	return []field{text("name", &m.Name), text("msg", &m.Msg)}
}
func (m *UserLeftChat) fields() []field {
	return []field{text("name", &m.Name), text("msg", &m.Msg)}
}
func (m *WhoIsInChat) fields() []field { return []field{list("chatters", &m.Chatters)} }

func (m *Login) message() Message           { return *m }
func (m *Logout) message() Message          { return *m }
func (m *ChatMessage) message() Message     { return *m }
func (m *WelcomeMessage) message() Message  { return *m }
func (m *UserEnteredChat) message() Message { return *m }
func (m *UserLeftChat) message() Message    { return *m }
func (m *WhoIsInChat) message() Message     { return *m }

// KindOf returns the kind registered for a wire tag.
func KindOf(tag string) (Kind, bool) {
	e, ok := byTag[tag]
	return e.kind, ok
}

// ServerOnly reports whether only the server may send messages of kind k.
func ServerOnly(k Kind) bool {
	return byKind[k].serverOnly
}

// Encode converts m into its wire frame: an array whose first element is the
// kind tag followed by the fields in registry order.
func Encode(m Message) frame.Array {
	e := byKind[m.Kind()]
	fields := m.variant().fields()

	out := make(frame.Array, 0, len(fields)+1)
	out = append(out, frame.BulkString(e.tag))
	for _, f := range fields {
		out = append(out, f.encode())
	}
	return out
}

// Decode converts a wire frame into a message.
func Decode(f frame.Frame) (Message, error) {
	arr, ok := f.(frame.Array)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got bulk", ErrMalformed)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	tag, ok := arr[0].(frame.Bulk)
	if !ok {
		return nil, fmt.Errorf("%w: kind is not a bulk string", ErrMalformed)
	}
	e, ok := byTag[string(tag)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}

	v := e.new()
	fields := v.fields()
	if len(arr)-1 != len(fields) {
		return nil, fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, e.tag, len(fields), len(arr)-1)
	}
	for i, fd := range fields {
		if err := fd.decode(arr[i+1]); err != nil {
			return nil, fmt.Errorf("%s: %w", e.tag, err)
		}
	}
	return v.message(), nil
}

type field interface {
	encode() frame.Frame
	decode(frame.Frame) error
}

type textField struct {
	name string
	p    *string
}

func text(name string, p *string) field { return textField{name: name, p: p} }

func (f textField) encode() frame.Frame {
	return frame.BulkString(*f.p)
}

func (f textField) decode(fr frame.Frame) error {
	b, ok := fr.(frame.Bulk)
	if !ok {
		return fmt.Errorf("%w: %s is not a bulk string", ErrMalformed, f.name)
	}
	s, err := decodeText(f.name, b)
	if err != nil {
		return err
	}
	*f.p = s
	return nil
}

type listField struct {
	name string
	p    *[]string
}

func list(name string, p *[]string) field { return listField{name: name, p: p} }

func (f listField) encode() frame.Frame {
	arr := make(frame.Array, 0, len(*f.p))
	for _, s := range *f.p {
		arr = append(arr, frame.BulkString(s))
	}
	return arr
}

func (f listField) decode(fr frame.Frame) error {
	arr, ok := fr.(frame.Array)
	if !ok {
		return fmt.Errorf("%w: %s is not an array", ErrMalformed, f.name)
	}
	// An empty array decodes to a nil slice.
	var out []string
	for _, el := range arr {
		b, ok := el.(frame.Bulk)
		if !ok {
			return fmt.Errorf("%w: %s element is not a bulk string", ErrMalformed, f.name)
		}
		s, err := decodeText(f.name, b)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*f.p = out
	return nil
}

func decodeText(name string, b frame.Bulk) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s", ErrInvalidEncoding, name)
	}
	return string(b), nil
}
