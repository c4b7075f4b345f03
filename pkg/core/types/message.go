// Package types defines the conversation data model shared by the turn
// orchestrator, the session store, and the speech components.
package types

import (
	"strconv"
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NewSessionID is the sentinel identifier of a conversation that has not
// been durably recorded yet. A session transitions from this sentinel to a
// real identifier exactly once, at the moment its first message is stored.
const NewSessionID = "new"

// Session is the summary record of an ordered conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsNew reports whether the session still carries the sentinel identifier.
func (s Session) IsNew() bool { return s.ID == NewSessionID }

// AttachmentKind categorizes an uploaded attachment for request building
// and synthesis resolution.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentLink     AttachmentKind = "link"
)

// Attachment is a reference to an uploaded file or link on a message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`
	MIME string         `json:"mime,omitempty"`
	URL  string         `json:"url,omitempty"`
	Data []byte         `json:"data,omitempty"`
}

// Readable reports whether the attachment can be transcoded into speech
// server-side (documents and images, not bare links).
func (a Attachment) Readable() bool {
	return a.Kind == AttachmentDocument || a.Kind == AttachmentImage
}

// Mode is the classified intent of a user turn. It shapes the prompt and
// labels the UI; it is never business-critical.
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeAnalyze   Mode = "analyze"
	ModeConvert   Mode = "convert"
	ModeTranslate Mode = "translate"
	ModeCode      Mode = "code"
)

// Conversion is the optional media conversion payload an assistant reply
// may carry alongside its text.
type Conversion struct {
	Format string `json:"format"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
}

// Message is a single turn unit within a session. Messages are ordered by
// creation; editing one discards every later message in the session.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Mode        Mode         `json:"mode,omitempty"`
	Conversion  *Conversion  `json:"conversion,omitempty"`
	MediaURL    string       `json:"media_url,omitempty"`
}

var (
	idMu   sync.Mutex
	lastID int64
)

// NextMessageID returns a time-derived identifier, unique within the
// process even when two messages are created in the same millisecond.
func NextMessageID() string {
	idMu.Lock()
	defer idMu.Unlock()
	id := time.Now().UnixMilli()
	if id <= lastID {
		id = lastID + 1
	}
	lastID = id
	return strconv.FormatInt(id, 10)
}
