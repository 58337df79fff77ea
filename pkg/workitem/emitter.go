// Package workitem defines the outbound interface to the downstream
// tracker. The pipeline only requests creation; the tracker owns the
// records. Two emitter shapes exist: a direct in-process call and a
// queued topic for deployments where the tracker consumes the broker.
package workitem

import (
	"context"
	"errors"
	"fmt"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/models"
)

// ErrEmit marks a failed work-item creation. The pipeline audits these and
// moves on; it never rolls back a state update over a failed emission.
var ErrEmit = errors.New("work item emission failed")

// Request carries everything the downstream tracker needs.
type Request struct {
	ThreadID              int64               `json:"threadId"`
	ThreadPublicID        string              `json:"threadPublicId"`
	Type                  models.WorkItemType `json:"type"`
	Title                 string              `json:"title"`
	Body                  string              `json:"body"`
	OriginMessagePublicID string              `json:"originMessagePublicId"`
}

// Emitter requests creation of a work item and returns its public id.
type Emitter interface {
	Create(ctx context.Context, req Request) (string, error)
}

// EmitError wraps a downstream failure so callers can errors.Is(ErrEmit).
type EmitError struct {
	Err error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("work item emission failed: %v", e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEmit) match.
func (e *EmitError) Is(target error) bool { return target == ErrEmit }

// FuncEmitter adapts an in-process function to the Emitter interface.
type FuncEmitter func(ctx context.Context, req Request) (string, error)

// Create implements Emitter.
func (f FuncEmitter) Create(ctx context.Context, req Request) (string, error) {
	id, err := f(ctx, req)
	if err != nil {
		return "", &EmitError{Err: err}
	}
	return id, nil
}

// queuedRequest is the wire payload on the workitem.create topic. The
// public id is assigned here so the caller can reference the item before
// the consumer materializes it.
type queuedRequest struct {
	WorkItemPublicID string `json:"workItemPublicId"`
	Request
}

// QueueEmitter publishes creation requests onto the workitem.create topic.
type QueueEmitter struct {
	broker *broker.Broker
}

// NewQueueEmitter creates a broker-backed emitter.
func NewQueueEmitter(b *broker.Broker) *QueueEmitter {
	if b == nil {
		panic("NewQueueEmitter: broker must not be nil")
	}
	return &QueueEmitter{broker: b}
}

// Create implements Emitter by enqueueing the request. The returned public
// id is pre-assigned and travels with the payload.
func (e *QueueEmitter) Create(ctx context.Context, req Request) (string, error) {
	publicID := models.NewPublicID()
	_, err := e.broker.Enqueue(ctx, broker.QueueWorkItem, queuedRequest{
		WorkItemPublicID: publicID,
		Request:          req,
	})
	if err != nil {
		return "", &EmitError{Err: err}
	}
	return publicID, nil
}
