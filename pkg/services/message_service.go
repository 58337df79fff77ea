package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/snirego/feedbackd/pkg/models"
)

// MaxMessageTextBytes caps ingested message text at 16 KiB.
const MaxMessageTextBytes = 16 * 1024

const messageColumns = `id, public_id, thread_id, source, sender_type, sender_name,
	visibility, text, metadata, created_at, deleted_at`

// CreateMessageInput is the domain-level input for creating a message.
type CreateMessageInput struct {
	PublicID   string
	ThreadID   int64
	Source     models.MessageSource
	SenderType models.SenderType
	SenderName string
	Visibility models.Visibility
	Text       string
	Metadata   models.Metadata
}

// MessageService manages conversation messages.
type MessageService struct {
	db *sqlx.DB
}

// NewMessageService creates a new MessageService.
func NewMessageService(db *sqlx.DB) *MessageService {
	if db == nil {
		panic("NewMessageService: db must not be nil")
	}
	return &MessageService{db: db}
}

// Create inserts a new message. The caller provides the public id (the
// system of record owns it for ingested messages; system notes generate
// their own). A duplicate public id returns ErrAlreadyExists.
func (s *MessageService) Create(ctx context.Context, input CreateMessageInput) (*models.Message, error) {
	if input.PublicID == "" {
		return nil, NewValidationError("public_id", "required")
	}
	if input.ThreadID == 0 {
		return nil, NewValidationError("thread_id", "required")
	}
	if input.Text == "" {
		return nil, NewValidationError("text", "required")
	}
	if len(input.Text) > MaxMessageTextBytes {
		return nil, NewValidationError("text",
			fmt.Sprintf("exceeds maximum size of %d bytes", MaxMessageTextBytes))
	}
	if !input.SenderType.Valid() {
		return nil, NewValidationError("sender_type", fmt.Sprintf("invalid sender type %q", input.SenderType))
	}
	if input.Visibility == "" {
		input.Visibility = models.VisibilityPublic
	}
	if !input.Visibility.Valid() {
		return nil, NewValidationError("visibility", fmt.Sprintf("invalid visibility %q", input.Visibility))
	}
	if input.Source == "" {
		input.Source = models.SourceOther
	}

	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO feedback_messages
		     (public_id, thread_id, source, sender_type, sender_name, visibility, text, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (public_id) DO NOTHING
		 RETURNING id`,
		input.PublicID, input.ThreadID, input.Source, input.SenderType,
		input.SenderName, input.Visibility, input.Text, input.Metadata).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", input.PublicID, ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return s.getByID(ctx, id)
}

// GetByPublicID loads a message by its public id.
func (s *MessageService) GetByPublicID(ctx context.Context, publicID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg,
		`SELECT `+messageColumns+` FROM feedback_messages WHERE public_id = $1`, publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", publicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// ListByThread returns all live messages of a thread in conversation order:
// (created_at ASC, id ASC), id breaking created_at ties.
func (s *MessageService) ListByThread(ctx context.Context, threadID int64) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+`
		   FROM feedback_messages
		  WHERE thread_id = $1 AND deleted_at IS NULL
		  ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// AppendSystemNote writes an internal, system-generated message to the
// thread (e.g. a work-item suggestion chip for the UI).
func (s *MessageService) AppendSystemNote(ctx context.Context, threadID int64, text string, metadata models.Metadata) (*models.Message, error) {
	return s.Create(ctx, CreateMessageInput{
		PublicID:   models.NewPublicID(),
		ThreadID:   threadID,
		Source:     models.SourceOther,
		SenderType: models.SenderInternal,
		SenderName: "system",
		Visibility: models.VisibilityInternal,
		Text:       text,
		Metadata:   metadata,
	})
}

// Delete tombstones a message; the row stays for ordering stability.
func (s *MessageService) Delete(ctx context.Context, publicID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_messages SET deleted_at = now()
		  WHERE public_id = $1 AND deleted_at IS NULL`, publicID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %q: %w", publicID, ErrNotFound)
	}
	return nil
}

func (s *MessageService) getByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg,
		`SELECT `+messageColumns+` FROM feedback_messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}
