// Package broker implements durable FIFO job queues on Redis: ready and
// in-flight lists per queue, a sorted set for delayed jobs, a dead-letter
// list, and a claims hash that lets a reclaimer re-queue jobs whose worker
// died mid-flight.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names used by the service.
const (
	// QueueIngest carries pipeline jobs, one per ingested message.
	QueueIngest = "ingest.message"

	// QueueWorkItem carries work-item creation requests for the
	// queued-emitter shape.
	QueueWorkItem = "workitem.create"
)

// ErrNoJobs indicates the dequeue timed out with nothing ready.
var ErrNoJobs = errors.New("no jobs available")

// Envelope wraps every queued payload with broker-level bookkeeping.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Delivery is a claimed job. Keep the raw member around: acknowledging,
// requeueing, and dead-lettering all remove it from the in-flight list
// by value.
type Delivery struct {
	Envelope Envelope
	raw      string
}

// deadEntry is the dead-letter wrapper.
type deadEntry struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// claim tracks an in-flight job for the stale reclaimer.
type claim struct {
	ClaimedAt time.Time `json:"claimed_at"`
	Raw       string    `json:"raw"`
}

// Stats reports queue depth by job state.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Broker wraps the Redis connection and queue key layout.
type Broker struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis using a redis:// URL.
func New(url string, logger *slog.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: redis.NewClient(opts), logger: logger}, nil
}

// NewFromClient wraps an existing Redis client (tests).
func NewFromClient(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger}
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

func readyKey(queue string) string   { return "feedbackd:q:" + queue + ":ready" }
func activeKey(queue string) string  { return "feedbackd:q:" + queue + ":active" }
func delayedKey(queue string) string { return "feedbackd:q:" + queue + ":delayed" }
func deadKey(queue string) string    { return "feedbackd:q:" + queue + ":dead" }
func claimsKey(queue string) string  { return "feedbackd:q:" + queue + ":claims" }

// Enqueue appends a job to the ready list. Returns the job id.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	env, raw, err := newEnvelope(queue, payload, 0)
	if err != nil {
		return "", err
	}
	if err := b.client.LPush(ctx, readyKey(queue), raw).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return env.ID, nil
}

// EnqueueDelayed schedules a job to become ready after delay.
func (b *Broker) EnqueueDelayed(ctx context.Context, queue string, payload any, attempt int, delay time.Duration) (string, error) {
	env, raw, err := newEnvelope(queue, payload, attempt)
	if err != nil {
		return "", err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := b.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: due, Member: raw}).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue delayed job: %w", err)
	}
	return env.ID, nil
}

// Dequeue promotes due delayed jobs and blocks up to timeout for the next
// ready job, moving it onto the in-flight list. Returns ErrNoJobs when the
// wait times out.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := b.PromoteDue(ctx, queue); err != nil {
		return nil, err
	}

	raw, err := b.client.BLMove(ctx, readyKey(queue), activeKey(queue), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A corrupt member would wedge the queue; drop it into dead-letter.
		b.logger.Error("Dropping unparseable job to dead-letter", "queue", queue, "error", err)
		b.moveRawToDead(ctx, queue, raw, "unparseable envelope")
		return nil, ErrNoJobs
	}

	claimRaw, err := json.Marshal(claim{ClaimedAt: time.Now(), Raw: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claim: %w", err)
	}
	if err := b.client.HSet(ctx, claimsKey(queue), env.ID, claimRaw).Err(); err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}

	return &Delivery{Envelope: env, raw: raw}, nil
}

// Ack removes a completed job from the in-flight list.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	queue := d.Envelope.Queue
	if err := b.client.LRem(ctx, activeKey(queue), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	if err := b.client.HDel(ctx, claimsKey(queue), d.Envelope.ID).Err(); err != nil {
		return fmt.Errorf("failed to clear claim: %w", err)
	}
	return nil
}

// Requeue re-schedules a claimed job with an incremented attempt counter.
func (b *Broker) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := b.Ack(ctx, d); err != nil {
		return err
	}
	_, err := b.EnqueueDelayed(ctx, d.Envelope.Queue, d.Envelope.Payload, d.Envelope.Attempt+1, delay)
	return err
}

// DeadLetter moves a claimed job to the terminal dead-letter list.
func (b *Broker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := b.Ack(ctx, d); err != nil {
		return err
	}
	entry, err := json.Marshal(deadEntry{Envelope: d.Envelope, Reason: reason, FailedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	if err := b.client.LPush(ctx, deadKey(d.Envelope.Queue), entry).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose due time has passed onto the ready
// list. ZRem guards against double promotion when several workers promote
// concurrently: only the remover pushes.
func (b *Broker) PromoteDue(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, raw := range due {
		removed, err := b.client.ZRem(ctx, delayedKey(queue), raw).Result()
		if err != nil {
			return fmt.Errorf("failed to remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, readyKey(queue), raw).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
	}
	return nil
}

// ReclaimStale re-queues jobs claimed longer ago than visibility. Covers
// workers that died without acknowledging; operations are idempotent so
// every replica may run it.
func (b *Broker) ReclaimStale(ctx context.Context, queue string, visibility time.Duration) (int, error) {
	claims, err := b.client.HGetAll(ctx, claimsKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read claims: %w", err)
	}

	cutoff := time.Now().Add(-visibility)
	reclaimed := 0
	for id, rawClaim := range claims {
		var cl claim
		if err := json.Unmarshal([]byte(rawClaim), &cl); err != nil {
			b.logger.Warn("Dropping unparseable claim", "queue", queue, "job_id", id)
			_ = b.client.HDel(ctx, claimsKey(queue), id).Err()
			continue
		}
		if cl.ClaimedAt.After(cutoff) {
			continue
		}

		removed, err := b.client.LRem(ctx, activeKey(queue), 1, cl.Raw).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to remove stale job: %w", err)
		}
		if removed > 0 {
			if err := b.client.LPush(ctx, readyKey(queue), cl.Raw).Err(); err != nil {
				return reclaimed, fmt.Errorf("failed to re-queue stale job: %w", err)
			}
			reclaimed++
			b.logger.Warn("Reclaimed stale job", "queue", queue, "job_id", id,
				"claimed_at", cl.ClaimedAt)
		}
		if err := b.client.HDel(ctx, claimsKey(queue), id).Err(); err != nil {
			return reclaimed, fmt.Errorf("failed to clear stale claim: %w", err)
		}
	}
	return reclaimed, nil
}

// QueueStats reports depth by state for one queue.
func (b *Broker) QueueStats(ctx context.Context, queue string) (Stats, error) {
	ready, err := b.client.LLen(ctx, readyKey(queue)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read ready depth: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read delayed depth: %w", err)
	}
	active, err := b.client.LLen(ctx, activeKey(queue)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read active depth: %w", err)
	}
	dead, err := b.client.LLen(ctx, deadKey(queue)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read dead depth: %w", err)
	}
	return Stats{
		Waiting: ready + delayed,
		Delayed: delayed,
		Active:  active,
		Dead:    dead,
	}, nil
}

// RunMaintenance periodically promotes delayed jobs and reclaims stale
// in-flight jobs for the given queues until ctx is cancelled.
func (b *Broker) RunMaintenance(ctx context.Context, queues []string, interval, visibility time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				if err := b.PromoteDue(ctx, queue); err != nil {
					b.logger.Error("Delayed-job promotion failed", "queue", queue, "error", err)
				}
				if _, err := b.ReclaimStale(ctx, queue, visibility); err != nil {
					b.logger.Error("Stale-job reclaim failed", "queue", queue, "error", err)
				}
			}
		}
	}
}

func (b *Broker) moveRawToDead(ctx context.Context, queue, raw, reason string) {
	_ = b.client.LRem(ctx, activeKey(queue), 1, raw).Err()
	entry, err := json.Marshal(deadEntry{
		Envelope: Envelope{Queue: queue, Payload: json.RawMessage(`{}`)},
		Reason:   reason + ": " + raw,
		FailedAt: time.Now(),
	})
	if err != nil {
		return
	}
	_ = b.client.LPush(ctx, deadKey(queue), entry).Err()
}

func newEnvelope(queue string, payload any, attempt int) (Envelope, string, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	env := Envelope{
		ID:         uuid.New().String(),
		Queue:      queue,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
		Payload:    rawPayload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return env, string(raw), nil
}
