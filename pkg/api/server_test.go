package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/models"
	"github.com/snirego/feedbackd/pkg/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDB struct{ err error }

func (f *fakeDB) PingContext(context.Context) error { return f.err }

type fakeBroker struct {
	pingErr error
	stats   map[string]broker.Stats
}

func (f *fakeBroker) Ping(context.Context) error { return f.pingErr }
func (f *fakeBroker) QueueStats(_ context.Context, queue string) (broker.Stats, error) {
	return f.stats[queue], nil
}

type fakeLLM struct {
	ok     bool
	state  string
	probes atomic.Int32
}

func (f *fakeLLM) HealthProbe(context.Context) bool {
	f.probes.Add(1)
	return f.ok
}
func (f *fakeLLM) BreakerState() string { return f.state }

type fakeIngest struct {
	result *services.IngestResult
	err    error
}

func (f *fakeIngest) Submit(_ context.Context, input services.IngestInput) (*services.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &services.IngestResult{
		Thread:  &models.Thread{ID: 1, PublicID: input.ThreadPublicID},
		Message: &models.Message{ID: 1, PublicID: input.MessagePublicID},
		JobID:   "job-123",
	}, nil
}

func testServer(db *fakeDB, b *fakeBroker, llm *fakeLLM, ingest *fakeIngest) *Server {
	cfg := &config.HTTPConfig{Port: "0", MaxBodyBytes: 64 * 1024}
	return NewServer(cfg, db, b, llm, nil, ingest, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	// Every dependency broken: liveness still answers 200.
	s := testServer(&fakeDB{err: errors.New("down")}, &fakeBroker{pingErr: errors.New("down")},
		&fakeLLM{}, &fakeIngest{})

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadyWhenCoreDepsUp(t *testing.T) {
	b := &fakeBroker{stats: map[string]broker.Stats{
		broker.QueueIngest:   {Waiting: 3, Active: 1},
		broker.QueueWorkItem: {Waiting: 0, Active: 0},
	}}
	// The LLM being down must not fail readiness.
	s := testServer(&fakeDB{}, b, &fakeLLM{ok: false, state: "open"}, &fakeIngest{})

	rec := doRequest(t, s, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.True(t, resp.Checks.Postgres)
	assert.True(t, resp.Checks.Redis)
	assert.False(t, resp.Checks.LLM)
	assert.Equal(t, "open", resp.LLM.CircuitState)
	assert.Equal(t, int64(3), resp.Queues[broker.QueueIngest].Waiting)
	assert.Equal(t, int64(1), resp.Queues[broker.QueueIngest].Active)
}

func TestReadyFailsWithoutPostgres(t *testing.T) {
	s := testServer(&fakeDB{err: errors.New("down")}, &fakeBroker{}, &fakeLLM{ok: true}, &fakeIngest{})
	rec := doRequest(t, s, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Checks.Postgres)
	assert.True(t, resp.Checks.Redis)
}

func TestReadyFailsWithoutRedis(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{pingErr: errors.New("down")}, &fakeLLM{ok: true}, &fakeIngest{})
	rec := doRequest(t, s, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyCachesLLMProbe(t *testing.T) {
	llm := &fakeLLM{ok: true, state: "closed"}
	s := testServer(&fakeDB{}, &fakeBroker{}, llm, &fakeIngest{})

	for i := 0; i < 5; i++ {
		doRequest(t, s, http.MethodGet, "/ready", "")
	}
	assert.Equal(t, int32(1), llm.probes.Load(), "probe must be cached inside the TTL")
}

func validIngestBody() string {
	return `{
		"threadPublicId": "thr_abc123xyz9",
		"messagePublicId": "msg_abc123xyz9",
		"text": "Login button crashes the app on iOS 17",
		"senderType": "user"
	}`
}

func TestIngestAccepted(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{}, &fakeIngest{})
	rec := doRequest(t, s, http.MethodPost, "/ingest/message", validIngestBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp IngestAcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "job-123", resp.JobID)
}

func TestIngestRejectsBadBody(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{}, &fakeIngest{})

	cases := []string{
		`{}`,
		`{"threadPublicId": "t"}`,
		`{"threadPublicId": "t", "messagePublicId": "m", "text": "x", "senderType": "robot"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := doRequest(t, s, http.MethodPost, "/ingest/message", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestIngestValidationErrorIs400(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{},
		&fakeIngest{err: services.NewValidationError("text", "too long")})
	rec := doRequest(t, s, http.MethodPost, "/ingest/message", validIngestBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestDuplicateIs409(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{},
		&fakeIngest{err: fmt.Errorf("message: %w", services.ErrAlreadyExists)})
	rec := doRequest(t, s, http.MethodPost, "/ingest/message", validIngestBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestInternalErrorIs503(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{},
		&fakeIngest{err: errors.New("broker exploded")})
	rec := doRequest(t, s, http.MethodPost, "/ingest/message", validIngestBody())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestOversizedBodyRejected(t *testing.T) {
	s := testServer(&fakeDB{}, &fakeBroker{}, &fakeLLM{}, &fakeIngest{})
	huge := fmt.Sprintf(`{"threadPublicId":"t","messagePublicId":"m","senderType":"user","text":"%s"}`,
		strings.Repeat("a", 128*1024))
	rec := doRequest(t, s, http.MethodPost, "/ingest/message", huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
