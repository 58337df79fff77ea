package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/snirego/feedbackd/pkg/llm"
	"github.com/snirego/feedbackd/pkg/models"
)

// ThreadStore is the slice of the thread service the pipeline needs.
type ThreadStore interface {
	GetByID(ctx context.Context, id int64) (*models.Thread, error)
	PersistState(ctx context.Context, th *models.Thread, state models.ThreadState, details models.Metadata) (*models.Thread, error)
	TransitionStatus(ctx context.Context, th *models.Thread, to models.ThreadStatus, reason string) (*models.Thread, error)
	ReserveEmission(ctx context.Context, threadID int64, fingerprint string) (bool, error)
	CompleteEmission(ctx context.Context, threadID int64, fingerprint, workItemPublicID string) error
	ReleaseEmission(ctx context.Context, threadID int64, fingerprint string) error
}

// MessageStore is the slice of the message service the pipeline needs.
type MessageStore interface {
	ListByThread(ctx context.Context, threadID int64) ([]models.Message, error)
	AppendSystemNote(ctx context.Context, threadID int64, text string, metadata models.Metadata) (*models.Message, error)
}

// Auditor records append-only audit entries.
type Auditor interface {
	Record(ctx context.Context, entityType string, entityID int64, action string, details models.Metadata) error
}

// StateCompleter produces the next cumulative state from the prompts.
// The production implementation wraps the LLM client; tests substitute it.
type StateCompleter interface {
	CompleteState(ctx context.Context, systemPrompt, userPrompt string) (models.ThreadState, string, error)
}

// LLMCompleter adapts the chat client to StateCompleter via the
// structured-JSON completion with schema validation and one corrective
// retry.
type LLMCompleter struct {
	Client *llm.Client
}

// CompleteState implements StateCompleter.
func (c *LLMCompleter) CompleteState(ctx context.Context, systemPrompt, userPrompt string) (models.ThreadState, string, error) {
	result, err := llm.CompleteJSON(ctx, c.Client, llm.JSONRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxRetries:   1,
	}, ValidateState)
	if err != nil {
		return models.ThreadState{}, "", err
	}
	return result.Data, result.RawContent, nil
}

// UpdateResult is the outcome of a full-context state update.
type UpdateResult struct {
	Thread *models.Thread
	State  models.ThreadState

	// Updated is false when the LLM answered garbage and the previous
	// state was kept.
	Updated bool
}

// Updater produces the next cumulative thread state (the full-context
// update). It loads every message of the thread in conversation order,
// asks the model for the next state, enforces fact carry-over, and
// persists state plus audit entry in one transaction.
type Updater struct {
	threads   ThreadStore
	messages  MessageStore
	audit     Auditor
	completer StateCompleter
	logger    *slog.Logger
}

// NewUpdater wires the updater.
func NewUpdater(threads ThreadStore, messages MessageStore, audit Auditor, completer StateCompleter, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		threads:   threads,
		messages:  messages,
		audit:     audit,
		completer: completer,
		logger:    logger,
	}
}

// UpdateFullContext runs one full-context update for the thread.
//
// Failure handling follows the error class, never message text:
//   - LLM transport/circuit failure (llm.ErrUnavailable): nothing persists
//     and the error propagates so the caller requeues the job.
//   - LLM parse/validation failure (llm.ErrMalformed): the previous state
//     is kept, a threadstate_update_failed audit entry is written, and the
//     previous state returns with Updated=false.
func (u *Updater) UpdateFullContext(ctx context.Context, threadID int64) (*UpdateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, updaterTimeout)
	defer cancel()

	th, err := u.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}

	msgs, err := u.messages.ListByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		// Nothing to analyze; the state stands.
		return &UpdateResult{Thread: th, State: th.State}, nil
	}

	userPrompt, err := BuildUserPrompt(th.State, msgs)
	if err != nil {
		return nil, err
	}

	log := u.logger.With("thread_id", threadID)
	prev := th.State

	state, raw, err := u.completer.CompleteState(ctx, SystemPrompt(), userPrompt)
	if err != nil {
		if errors.Is(err, llm.ErrMalformed) {
			log.Warn("State update discarded: malformed completion", "error", err)
			details := models.Metadata{
				"reason":         "malformed_completion",
				"schema_version": strconv.Itoa(StateSchemaVersion),
				"raw":            truncate(rawFromError(err, raw), 2048),
			}
			if auditErr := u.audit.Record(ctx, models.EntityThread, threadID,
				models.AuditThreadStateUpdateFailed, details); auditErr != nil {
				log.Error("Failed to audit malformed completion", "error", auditErr)
			}
			return &UpdateResult{Thread: th, State: prev}, nil
		}
		// Unavailable or internal: nothing persists, caller decides.
		return nil, err
	}

	// Backstop the prompt's carry-over rules in code so a forgetful
	// completion can never drop established facts.
	state.CarryOver(prev)
	state.Normalize()
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("state invalid after carry-over: %w", err)
	}

	details := models.Metadata{
		"schema_version": strconv.Itoa(StateSchemaVersion),
		"messages":       strconv.Itoa(len(msgs)),
		"action":         string(state.Recommendation.Action),
		"fingerprint":    state.Fingerprint(),
	}
	updated, err := u.threads.PersistState(ctx, th, state, details)
	if err != nil {
		return nil, err
	}

	log.Info("Thread state updated",
		"action", state.Recommendation.Action,
		"confidence", state.Recommendation.Confidence,
		"messages", len(msgs))

	return &UpdateResult{Thread: updated, State: state, Updated: true}, nil
}

// rawFromError prefers the raw content attached to a malformed error.
func rawFromError(err error, fallback string) string {
	var malformed *llm.MalformedError
	if errors.As(err, &malformed) && malformed.RawContent != "" {
		return malformed.RawContent
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
