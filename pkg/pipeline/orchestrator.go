package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/llm"
	"github.com/snirego/feedbackd/pkg/metrics"
	"github.com/snirego/feedbackd/pkg/models"
	"github.com/snirego/feedbackd/pkg/workitem"
)

// Orchestrator sequences one pipeline job: per-thread lease, full-context
// update, gatekeeping, optional work-item emission, status transition.
type Orchestrator struct {
	threads  ThreadStore
	messages MessageStore
	audit    Auditor
	updater  *Updater
	emitter  workitem.Emitter
	leases   *LeaseTable
	cfg      config.QueueConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(
	threads ThreadStore,
	messages MessageStore,
	audit Auditor,
	updater *Updater,
	emitter workitem.Emitter,
	leases *LeaseTable,
	cfg config.QueueConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if leases == nil {
		leases = NewLeaseTable()
	}
	return &Orchestrator{
		threads:  threads,
		messages: messages,
		audit:    audit,
		updater:  updater,
		emitter:  emitter,
		leases:   leases,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Execute implements JobExecutor.
func (o *Orchestrator) Execute(ctx context.Context, env broker.Envelope) *ExecutionResult {
	var payload JobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return &ExecutionResult{
			Outcome: OutcomeFailed,
			Reason:  "unparseable job payload",
			Err:     err,
		}
	}
	if payload.ThreadID == 0 {
		return &ExecutionResult{
			Outcome: OutcomeFailed,
			Reason:  "job payload missing thread id",
			Err:     errors.New("threadId is required"),
		}
	}

	log := o.logger.With("thread_id", payload.ThreadID, "job_id", env.ID, "attempt", env.Attempt)

	if err := o.leases.Acquire(ctx, payload.ThreadID); err != nil {
		// Deadline hit while queued behind a same-thread job; retry later.
		return &ExecutionResult{
			Outcome:      OutcomeRequeued,
			RequeueDelay: o.retryDelay(env.Attempt),
			Reason:       "lease acquisition cancelled",
			Err:          err,
		}
	}
	defer o.leases.Release(payload.ThreadID)

	th, err := o.threads.GetByID(ctx, payload.ThreadID)
	if err != nil {
		return &ExecutionResult{
			Outcome: OutcomeFailed,
			Reason:  "thread lookup failed",
			Err:     err,
		}
	}

	// Closed is terminal for pipeline processing.
	if th.Status == models.ThreadStatusClosed {
		if auditErr := o.audit.Record(ctx, models.EntityThread, th.ID,
			models.AuditThreadSkippedClosed,
			models.Metadata{"message_public_id": payload.MessagePublicID}); auditErr != nil {
			log.Error("Failed to audit closed-thread skip", "error", auditErr)
		}
		return &ExecutionResult{Outcome: OutcomeSkippedClosed}
	}

	result, err := o.updater.UpdateFullContext(ctx, payload.ThreadID)
	if err != nil {
		return o.handleUpdateFailure(ctx, log, env, payload, err)
	}

	decision := Gate(result.State)
	log.Info("Gatekeeper decision",
		"should_create", decision.ShouldCreate,
		"work_item_type", decision.WorkItemType,
		"new_status", decision.NewThreadStatus,
		"reason", decision.Reason)

	th = result.Thread
	if decision.ShouldCreate {
		th = o.emitWorkItem(ctx, log, th, result.State, decision, payload)
	}

	if th.Status != decision.NewThreadStatus {
		transitioned, err := o.threads.TransitionStatus(ctx, th, decision.NewThreadStatus, decision.Reason)
		if err != nil {
			// Optimistic-concurrency clash survived its in-store retry:
			// run the whole job again rather than guess at the state.
			return &ExecutionResult{
				Outcome:      OutcomeRequeued,
				RequeueDelay: conflictRequeue,
				Reason:       "status transition conflict",
				Err:          err,
			}
		}
		th = transitioned
	}

	return &ExecutionResult{Outcome: OutcomeCompleted}
}

// handleUpdateFailure applies the retry policy for a failed state update.
// Provider outages requeue with exponential delay until the attempt
// ceiling, then dead-letter. Anything else follows the same ceiling.
func (o *Orchestrator) handleUpdateFailure(ctx context.Context, log *slog.Logger, env broker.Envelope, payload JobPayload, err error) *ExecutionResult {
	reason := "internal error"
	if errors.Is(err, llm.ErrUnavailable) {
		reason = "llm unavailable"
		if auditErr := o.audit.Record(ctx, models.EntityThread, payload.ThreadID,
			models.AuditThreadStateUpdateFailed,
			models.Metadata{"reason": "llm_unavailable", "attempt": fmt.Sprint(env.Attempt)}); auditErr != nil {
			log.Error("Failed to audit unavailable provider", "error", auditErr)
		}
	}

	if env.Attempt+1 >= o.cfg.MaxAttempts {
		log.Error("Job exhausted attempts, dead-lettering", "reason", reason, "error", err)
		if auditErr := o.audit.Record(ctx, models.EntityThread, payload.ThreadID,
			models.AuditJobDeadLettered,
			models.Metadata{"reason": reason, "attempts": fmt.Sprint(env.Attempt + 1)}); auditErr != nil {
			log.Error("Failed to audit dead-letter", "error", auditErr)
		}
		return &ExecutionResult{Outcome: OutcomeDeadLettered, Reason: reason, Err: err}
	}

	delay := o.retryDelay(env.Attempt)
	log.Warn("Job requeued", "reason", reason, "delay", delay, "error", err)
	return &ExecutionResult{
		Outcome:      OutcomeRequeued,
		RequeueDelay: delay,
		Reason:       reason,
		Err:          err,
	}
}

// retryDelay is min(base * 2^attempt, cap).
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	delay := o.cfg.RetryBackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.RetryBackoffCap {
			return o.cfg.RetryBackoffCap
		}
	}
	return delay
}

// emitWorkItem performs the at-most-once emission for the state
// fingerprint, appends the suggestion note on success, and audits
// failures without rolling anything back. Returns the freshest thread.
func (o *Orchestrator) emitWorkItem(ctx context.Context, log *slog.Logger, th *models.Thread, state models.ThreadState, decision Decision, payload JobPayload) *models.Thread {
	fingerprint := state.Fingerprint()

	reserved, err := o.threads.ReserveEmission(ctx, th.ID, fingerprint)
	if err != nil {
		log.Error("Emission reservation failed", "error", err)
		return th
	}
	if !reserved {
		log.Info("Work item already emitted for this state, skipping",
			"fingerprint", fingerprint)
		return th
	}

	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	req := workitem.Request{
		ThreadID:              th.ID,
		ThreadPublicID:        th.PublicID,
		Type:                  decision.WorkItemType,
		Title:                 deriveTitle(th, state),
		Body:                  deriveBody(state),
		OriginMessagePublicID: payload.MessagePublicID,
	}

	workItemID, err := o.emitter.Create(emitCtx, req)
	if err != nil {
		log.Error("Work item emission failed", "error", err)
		if auditErr := o.audit.Record(ctx, models.EntityThread, th.ID,
			models.AuditWorkItemEmitFailed,
			models.Metadata{"error": err.Error(), "fingerprint": fingerprint}); auditErr != nil {
			log.Error("Failed to audit emission failure", "error", auditErr)
		}
		if releaseErr := o.threads.ReleaseEmission(ctx, th.ID, fingerprint); releaseErr != nil {
			log.Error("Failed to release emission reservation", "error", releaseErr)
		}
		return th
	}

	if err := o.threads.CompleteEmission(ctx, th.ID, fingerprint, workItemID); err != nil {
		log.Error("Failed to record emitted work item id", "error", err)
	}

	note := fmt.Sprintf("Suggested %s work item: %s", decision.WorkItemType, req.Title)
	if _, err := o.messages.AppendSystemNote(ctx, th.ID, note, models.Metadata{
		models.MetaMessageType:      models.MessageTypeWorkItemSuggestion,
		models.MetaWorkItemPublicID: workItemID,
	}); err != nil {
		log.Error("Failed to append work item suggestion note", "error", err)
	}

	if auditErr := o.audit.Record(ctx, models.EntityThread, th.ID,
		models.AuditWorkItemEmitted,
		models.Metadata{
			"work_item_public_id": workItemID,
			"work_item_type":      string(decision.WorkItemType),
			"fingerprint":         fingerprint,
			"reason":              decision.Reason,
		}); auditErr != nil {
		log.Error("Failed to audit emission", "error", auditErr)
	}

	if o.metrics != nil {
		o.metrics.WorkItemsEmitted.Inc()
	}
	log.Info("Work item emitted", "work_item_public_id", workItemID,
		"type", decision.WorkItemType)

	// The system note changed last_activity; refresh for the CAS that follows.
	fresh, err := o.threads.GetByID(ctx, th.ID)
	if err != nil {
		return th
	}
	return fresh
}

// deriveTitle prefers the top candidate's short title, then the thread
// title, then the state summary.
func deriveTitle(th *models.Thread, state models.ThreadState) string {
	if top, ok := state.TopCandidate(); ok && top.ShortTitle != "" {
		return top.ShortTitle
	}
	if th.Title != "" {
		return th.Title
	}
	return truncate(state.Summary, 120)
}

// deriveBody composes the work item body from the state document.
func deriveBody(state models.ThreadState) string {
	var b strings.Builder
	if state.Summary != "" {
		b.WriteString(state.Summary)
		b.WriteString("\n")
	}
	if state.UserGoal != "" {
		fmt.Fprintf(&b, "\nUser goal: %s\n", state.UserGoal)
	}
	if len(state.ReproSteps) > 0 {
		b.WriteString("\nSteps to reproduce:\n")
		for i, step := range state.ReproSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if state.ExpectedBehavior != "" {
		fmt.Fprintf(&b, "\nExpected: %s\n", state.ExpectedBehavior)
	}
	if state.ActualBehavior != "" {
		fmt.Fprintf(&b, "Actual: %s\n", state.ActualBehavior)
	}
	if len(state.KnownEnvironment) > 0 {
		b.WriteString("\nEnvironment:\n")
		for _, key := range []string{"device", "os", "browser", "appVersion", "hardware", "network"} {
			if val, ok := state.KnownEnvironment[key]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", key, val)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
