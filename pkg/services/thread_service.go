package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/snirego/feedbackd/pkg/models"
)

const threadColumns = `id, public_id, workspace_id, title, status, primary_source,
	thread_state, created_at, updated_at, last_activity_at`

// ThreadService manages conversation threads and their embedded state.
// State and status writes go through compare-and-set on updated_at; a clash
// is retried once against a fresh read before surfacing
// ErrConcurrentModification. TouchActivity bumps last_activity_at without CAS.
type ThreadService struct {
	db *sqlx.DB
}

// NewThreadService creates a new ThreadService.
func NewThreadService(db *sqlx.DB) *ThreadService {
	if db == nil {
		panic("NewThreadService: db must not be nil")
	}
	return &ThreadService{db: db}
}

// GetByID loads a thread by internal id.
func (s *ThreadService) GetByID(ctx context.Context, id int64) (*models.Thread, error) {
	var th models.Thread
	err := s.db.GetContext(ctx, &th,
		`SELECT `+threadColumns+` FROM feedback_threads WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &th, nil
}

// GetByPublicID loads a thread by its opaque public id.
func (s *ThreadService) GetByPublicID(ctx context.Context, publicID string) (*models.Thread, error) {
	var th models.Thread
	err := s.db.GetContext(ctx, &th,
		`SELECT `+threadColumns+` FROM feedback_threads WHERE public_id = $1`, publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %q: %w", publicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &th, nil
}

// EnsureByPublicID returns the thread with the given public id, creating it
// in Open status on first contact. Concurrent first contacts are safe: the
// insert is ON CONFLICT DO NOTHING and the subsequent read wins either way.
func (s *ThreadService) EnsureByPublicID(ctx context.Context, publicID, source string) (*models.Thread, error) {
	state := models.NewThreadState()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_threads (public_id, status, primary_source, thread_state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (public_id) DO NOTHING`,
		publicID, models.ThreadStatusOpen, source, state)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure thread: %w", err)
	}
	return s.GetByPublicID(ctx, publicID)
}

// PersistState writes a new thread state plus a threadstate_updated audit
// entry in one transaction, guarded by CAS on updated_at. On success the
// refreshed thread is returned.
func (s *ThreadService) PersistState(ctx context.Context, th *models.Thread, state models.ThreadState, details models.Metadata) (*models.Thread, error) {
	current := th
	for attempt := 0; attempt < 2; attempt++ {
		updated, err := s.persistStateOnce(ctx, current, state, details)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		current, err = s.GetByID(ctx, th.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("persist state for thread %d: %w", th.ID, ErrConcurrentModification)
}

func (s *ThreadService) persistStateOnce(ctx context.Context, th *models.Thread, state models.ThreadState, details models.Metadata) (*models.Thread, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE feedback_threads
		    SET thread_state = $1,
		        updated_at = now(),
		        last_activity_at = GREATEST(last_activity_at, now())
		  WHERE id = $2 AND updated_at = $3`,
		state, th.ID, th.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrConcurrentModification
	}

	if err := insertAudit(ctx, tx, models.EntityThread, th.ID, models.AuditThreadStateUpdated, details); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit state update: %w", err)
	}
	return s.GetByID(ctx, th.ID)
}

// TransitionStatus moves a thread to a new status with CAS on updated_at and
// writes a thread_status_changed audit entry. A no-op when the status already
// matches. On CAS clash the thread is reloaded and retried once.
func (s *ThreadService) TransitionStatus(ctx context.Context, th *models.Thread, to models.ThreadStatus, reason string) (*models.Thread, error) {
	if !to.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}

	current := th
	for attempt := 0; attempt < 2; attempt++ {
		if current.Status == to {
			return current, nil
		}

		updated, err := s.transitionOnce(ctx, current, to, reason)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		current, err = s.GetByID(ctx, th.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("transition thread %d to %s: %w", th.ID, to, ErrConcurrentModification)
}

func (s *ThreadService) transitionOnce(ctx context.Context, th *models.Thread, to models.ThreadStatus, reason string) (*models.Thread, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE feedback_threads
		    SET status = $1, updated_at = now()
		  WHERE id = $2 AND updated_at = $3`,
		to, th.ID, th.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrConcurrentModification
	}

	details := models.Metadata{"from": string(th.Status), "to": string(to), "reason": reason}
	if err := insertAudit(ctx, tx, models.EntityThread, th.ID, models.AuditThreadStatusChanged, details); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status transition: %w", err)
	}
	return s.GetByID(ctx, th.ID)
}

// TouchActivity bumps last_activity_at to now. Used by ingress when a new
// message arrives.
func (s *ThreadService) TouchActivity(ctx context.Context, threadID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feedback_threads
		    SET last_activity_at = GREATEST(last_activity_at, now())
		  WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to touch thread activity: %w", err)
	}
	return nil
}

// ReserveEmission claims the at-most-once emission slot for the given state
// fingerprint. Returns false when an emission for (thread, fingerprint)
// already exists.
func (s *ThreadService) ReserveEmission(ctx context.Context, threadID int64, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workitem_emissions (thread_id, state_fingerprint)
		 VALUES ($1, $2)
		 ON CONFLICT (thread_id, state_fingerprint) DO NOTHING`,
		threadID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to reserve emission: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// CompleteEmission stores the emitted work item id on the reservation.
func (s *ThreadService) CompleteEmission(ctx context.Context, threadID int64, fingerprint, workItemPublicID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workitem_emissions
		    SET work_item_public_id = $1
		  WHERE thread_id = $2 AND state_fingerprint = $3`,
		workItemPublicID, threadID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to complete emission: %w", err)
	}
	return nil
}

// ReleaseEmission frees a reservation after a failed emit so a later run
// may try again. The separate outbox-style retry policy lives downstream.
func (s *ThreadService) ReleaseEmission(ctx context.Context, threadID int64, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workitem_emissions
		  WHERE thread_id = $1 AND state_fingerprint = $2 AND work_item_public_id = ''`,
		threadID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to release emission: %w", err)
	}
	return nil
}
