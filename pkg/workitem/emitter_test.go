package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/models"
)

func TestFuncEmitterWrapsErrors(t *testing.T) {
	boom := errors.New("tracker down")
	e := FuncEmitter(func(ctx context.Context, req Request) (string, error) {
		return "", boom
	})

	_, err := e.Create(context.Background(), Request{ThreadID: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmit))
	assert.True(t, errors.Is(err, boom))
}

func TestFuncEmitterPassesThroughID(t *testing.T) {
	e := FuncEmitter(func(ctx context.Context, req Request) (string, error) {
		return "wi_abc123", nil
	})
	id, err := e.Create(context.Background(), Request{ThreadID: 1})
	require.NoError(t, err)
	assert.Equal(t, "wi_abc123", id)
}

func TestQueueEmitterPublishesRequest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broker.NewFromClient(client, nil)

	e := NewQueueEmitter(b)
	id, err := e.Create(context.Background(), Request{
		ThreadID:              7,
		ThreadPublicID:        "thr_pub_0001",
		Type:                  models.WorkItemBug,
		Title:                 "Login crash on iOS 17",
		Body:                  "steps...",
		OriginMessagePublicID: "msg_pub_0001",
	})
	require.NoError(t, err)
	assert.Len(t, id, models.PublicIDLength)

	d, err := b.Dequeue(context.Background(), broker.QueueWorkItem, 50*time.Millisecond)
	require.NoError(t, err)

	var payload struct {
		WorkItemPublicID string `json:"workItemPublicId"`
		ThreadID         int64  `json:"threadId"`
		Type             string `json:"type"`
		Title            string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(d.Envelope.Payload, &payload))
	assert.Equal(t, id, payload.WorkItemPublicID)
	assert.Equal(t, int64(7), payload.ThreadID)
	assert.Equal(t, "Bug", payload.Type)
	assert.Equal(t, "Login crash on iOS 17", payload.Title)
}
