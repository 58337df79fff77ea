package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/metrics"
	"github.com/snirego/feedbackd/pkg/models"
	"github.com/snirego/feedbackd/pkg/pipeline"
)

// IngestInput is the domain-level payload accepted from the system of
// record. The public ids are owned by the caller; idempotency keys off
// the message public id.
type IngestInput struct {
	ThreadPublicID  string
	MessagePublicID string
	Text            string
	SenderType      models.SenderType
	SenderName      string
	Visibility      models.Visibility
	Source          models.MessageSource
	Metadata        models.Metadata
}

// IngestResult reports what the submission created.
type IngestResult struct {
	Thread  *models.Thread
	Message *models.Message
	JobID   string
}

// ingestThreads is the slice of ThreadService the ingress needs.
type ingestThreads interface {
	EnsureByPublicID(ctx context.Context, publicID, source string) (*models.Thread, error)
	TransitionStatus(ctx context.Context, th *models.Thread, to models.ThreadStatus, reason string) (*models.Thread, error)
	TouchActivity(ctx context.Context, threadID int64) error
}

// ingestMessages is the slice of MessageService the ingress needs.
type ingestMessages interface {
	Create(ctx context.Context, input CreateMessageInput) (*models.Message, error)
}

// jobEnqueuer is the slice of the broker the ingress needs.
type jobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any) (string, error)
}

// auditRecorder is the slice of AuditService the ingress needs.
type auditRecorder interface {
	Record(ctx context.Context, entityType string, entityID int64, action string, details models.Metadata) error
}

// IngestService accepts new messages from the system of record, persists
// them, and enqueues the pipeline job. Submission is idempotent on the
// message public id: a second submission is a no-op surfaced as
// ErrAlreadyExists.
type IngestService struct {
	threads  ingestThreads
	messages ingestMessages
	audit    auditRecorder
	enqueuer jobEnqueuer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewIngestService creates a new IngestService. The metrics bundle may be
// nil (counters disabled).
func NewIngestService(threads ingestThreads, messages ingestMessages, audit auditRecorder, enqueuer jobEnqueuer, logger *slog.Logger, m *metrics.Metrics) *IngestService {
	if threads == nil || messages == nil || audit == nil || enqueuer == nil {
		panic("NewIngestService: all dependencies must be non-nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		threads:  threads,
		messages: messages,
		audit:    audit,
		enqueuer: enqueuer,
		logger:   logger,
		metrics:  m,
	}
}

// Submit validates and persists a message, then enqueues its pipeline job.
// A user message on a thread waiting for the user reopens it before the
// job is enqueued, so the updater always sees the thread in Open status.
func (s *IngestService) Submit(ctx context.Context, input IngestInput) (*IngestResult, error) {
	if input.ThreadPublicID == "" {
		return nil, NewValidationError("threadPublicId", "required")
	}
	if input.MessagePublicID == "" {
		return nil, NewValidationError("messagePublicId", "required")
	}
	if input.Text == "" {
		return nil, NewValidationError("text", "required")
	}
	if len(input.Text) > MaxMessageTextBytes {
		return nil, NewValidationError("text",
			fmt.Sprintf("exceeds maximum size of %d bytes", MaxMessageTextBytes))
	}
	if !input.SenderType.Valid() {
		return nil, NewValidationError("senderType", fmt.Sprintf("invalid sender type %q", input.SenderType))
	}

	source := input.Source
	if source == "" {
		source = models.SourceAPI
	}

	th, err := s.threads.EnsureByPublicID(ctx, input.ThreadPublicID, string(source))
	if err != nil {
		return nil, err
	}

	// A new user message wakes a parked thread before the pipeline runs.
	if input.SenderType == models.SenderUser && th.Status == models.ThreadStatusWaitingOnUser {
		th, err = s.threads.TransitionStatus(ctx, th, models.ThreadStatusOpen, "user replied")
		if err != nil {
			return nil, err
		}
	}

	msg, err := s.messages.Create(ctx, CreateMessageInput{
		PublicID:   input.MessagePublicID,
		ThreadID:   th.ID,
		Source:     source,
		SenderType: input.SenderType,
		SenderName: input.SenderName,
		Visibility: input.Visibility,
		Text:       input.Text,
		Metadata:   input.Metadata,
	})
	if errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.threads.TouchActivity(ctx, th.ID); err != nil {
		s.logger.Warn("Failed to touch thread activity", "thread_id", th.ID, "error", err)
	}

	if err := s.audit.Record(ctx, models.EntityMessage, msg.ID, models.AuditMessageIngested,
		models.Metadata{
			"thread_id":         fmt.Sprint(th.ID),
			"message_public_id": msg.PublicID,
			"sender_type":       string(msg.SenderType),
		}); err != nil {
		s.logger.Error("Failed to audit ingested message", "error", err)
	}

	jobID, err := s.enqueuer.Enqueue(ctx, broker.QueueIngest, pipeline.JobPayload{
		ThreadID:        th.ID,
		MessagePublicID: msg.PublicID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue pipeline job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.MessagesIngested.Inc()
	}
	s.logger.Info("Message ingested",
		"thread_id", th.ID,
		"message_public_id", msg.PublicID,
		"job_id", jobID)

	return &IngestResult{Thread: th, Message: msg, JobID: jobID}, nil
}
