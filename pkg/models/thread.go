package models

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Thread is a conversation between a user and the support side.
// The numeric ID is internal; the public ID is the opaque handle shared
// with the system of record. Threads are never destroyed by this service,
// only closed.
type Thread struct {
	ID             int64        `db:"id"`
	PublicID       string       `db:"public_id"`
	WorkspaceID    int64        `db:"workspace_id"`
	Title          string       `db:"title"`
	Status         ThreadStatus `db:"status"`
	PrimarySource  string       `db:"primary_source"`
	State          ThreadState  `db:"thread_state"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	LastActivityAt time.Time    `db:"last_activity_at"`
}

// Message is a single turn in a thread. Ordering inside a thread is
// (created_at ASC, id ASC); created_at is always UTC.
type Message struct {
	ID         int64         `db:"id"`
	PublicID   string        `db:"public_id"`
	ThreadID   int64         `db:"thread_id"`
	Source     MessageSource `db:"source"`
	SenderType SenderType    `db:"sender_type"`
	SenderName string        `db:"sender_name"`
	Visibility Visibility    `db:"visibility"`
	Text       string        `db:"text"`
	Metadata   Metadata      `db:"metadata"`
	CreatedAt  time.Time     `db:"created_at"`
	DeletedAt  *time.Time    `db:"deleted_at"`
}

// Metadata is a free-form string map persisted as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// Metadata keys written by the pipeline onto system-generated messages.
const (
	MetaMessageType      = "type"
	MetaWorkItemPublicID = "workItemPublicId"

	// MessageTypeWorkItemSuggestion marks the internal note appended after
	// a successful work-item emission so the UI can render a suggestion chip.
	MessageTypeWorkItemSuggestion = "system_workitem_suggestion"
)

const publicIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// PublicIDLength is the length of URL-safe public identifiers.
const PublicIDLength = 12

// NewPublicID returns a 12-character URL-safe opaque identifier.
// The alphabet has 64 symbols, so bytes map onto it without modulo bias.
func NewPublicID() string {
	buf := make([]byte, PublicIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = publicIDAlphabet[int(b)&63]
	}
	return string(buf)
}
