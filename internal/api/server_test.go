package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tabmux/tabmux/internal/cdp"
	"github.com/tabmux/tabmux/internal/ref"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/tools"
	"github.com/tabmux/tabmux/pkg/models"
)

// stubClient answers the handful of protocol commands the registry issues.
type stubClient struct {
	mu      sync.Mutex
	counter int
}

func (s *stubClient) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	switch method {
	case "Target.createBrowserContext":
		return json.Marshal(map[string]string{"browserContextId": fmt.Sprintf("ctx-%d", s.counter)})
	case "Target.createTarget":
		return json.Marshal(map[string]string{"targetId": fmt.Sprintf("target-%d", s.counter)})
	case "Target.attachToTarget":
		return json.Marshal(map[string]string{"sessionId": fmt.Sprintf("proto-%d", s.counter)})
	default:
		return json.Marshal(map[string]any{})
	}
}

func (s *stubClient) Subscribe(sessionID, method string) (<-chan cdp.Event, func(), error) {
	ch := make(chan cdp.Event)
	return ch, func() { close(ch) }, nil
}

func (s *stubClient) UnsubscribeSession(sessionID string) {}

func newTestServer(t *testing.T) *Server {
	log := zaptest.NewLogger(t)
	reg := registry.New(log, &stubClient{}, 10)
	refs := ref.NewManager()
	actions := tools.NewHandler(log, reg, refs)
	return NewServer(log, reg, actions, Options{
		StaleThreshold:  3,
		RequestsPerHour: 360000,
		Burst:           1000,
	})
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, srv *Server, id string) models.Session {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions", fmt.Sprintf(`{"id":%q}`, id))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sess models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, newTestServer(t), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionReturnsDefaultWorker(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv, "sess-1")
	require.Equal(t, "sess-1", sess.ID)
	require.NotEmpty(t, sess.DefaultWorkerID)
	require.Contains(t, sess.Workers, sess.DefaultWorkerID)
}

func TestWorkerLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv, "sess-1")

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/workers", `{"id":"w1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Collision.
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/workers", `{"id":"w1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Default worker is protected.
	rec = doJSON(t, srv, http.MethodDelete, "/v1/sessions/sess-1/workers/"+sess.DefaultWorkerID, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/v1/sessions/sess-1/workers/w1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateTargetOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	createSession(t, srv, "sess-1")

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/targets", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "url is mandatory")

	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/targets", `{"url":"https://a.test"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res models.CreateTargetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.TargetID)
	require.False(t, res.Reused)

	// Second create reuses the single tab.
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/targets", `{"url":"https://b.test"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Reused)
}

func TestUnknownSessionIs404(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/sessions/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	createSession(t, srv, "sess-1")

	body := `{"workers":[{"name":"a","url":"https://a.test"},{"name":"b","url":"https://b.test"}]}`
	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		WorkflowID string `json:"workflowId"`
		State      string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.WorkflowID)
	require.Equal(t, "running", created.State)

	// One worker reports success, one trips the breaker.
	update := func(worker, status, payload string) *httptest.ResponseRecorder {
		return doJSON(t, srv, http.MethodPost, "/v1/workflows/"+created.WorkflowID+"/update",
			fmt.Sprintf(`{"worker":%q,"status":%q,"payload":%s}`, worker, status, payload))
	}
	require.Equal(t, http.StatusOK, update("a", "success", `{"items":10}`).Code)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, update("b", "in-progress", `{"items":3}`).Code)
	}

	// All workers are terminal now, so a blocking collect returns.
	rec = doJSON(t, srv, http.MethodPost, "/v1/workflows/"+created.WorkflowID+"/collect", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var collected struct {
		State   string                `json:"state"`
		Workers []models.WorkerResult `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &collected))
	require.Equal(t, "completed", collected.State)
	require.Len(t, collected.Workers, 2)

	byName := map[string]models.WorkerResult{}
	for _, w := range collected.Workers {
		byName[w.Name] = w
	}
	require.Equal(t, models.WorkerSuccess, byName["a"].Status)
	require.Equal(t, models.WorkerStaleCompleted, byName["b"].Status)
	require.True(t, byName["b"].Stale)
}

func TestWorkflowPartialCollectOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	createSession(t, srv, "sess-1")

	body := `{"workers":[{"name":"a","url":"https://a.test"},{"name":"b","url":"https://b.test"}]}`
	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		WorkflowID string `json:"workflowId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	doJSON(t, srv, http.MethodPost, "/v1/workflows/"+created.WorkflowID+"/update",
		`{"worker":"a","status":"success","payload":{"ok":true}}`)

	rec = doJSON(t, srv, http.MethodPost,
		"/v1/workflows/"+created.WorkflowID+"/collect?partial=true&onlySuccessful=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var partial struct {
		Workers []models.WorkerResult `json:"workers"`
		Partial bool                  `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &partial))
	require.True(t, partial.Partial)
	require.Len(t, partial.Workers, 1)
	require.Equal(t, "a", partial.Workers[0].Name)
}

func TestRateLimitRejectsExcessMutations(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(log, &stubClient{}, 10)
	actions := tools.NewHandler(log, reg, ref.NewManager())
	srv := NewServer(log, reg, actions, Options{
		RequestsPerHour: 3600, // 1/sec refill
		Burst:           2,
		StaleThreshold:  3,
	})

	createSession(t, srv, "sess-1")

	// Burst allows two mutations; the rest must be rejected.
	codes := []int{}
	for i := 0; i < 4; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/workers",
			fmt.Sprintf(`{"id":"w%d"}`, i))
		codes = append(codes, rec.Code)
	}
	require.Contains(t, codes, http.StatusTooManyRequests)

	// Cheap in-memory reads are not throttled.
	rec := doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitCountsSnapshotReads(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(log, &stubClient{}, 10)
	actions := tools.NewHandler(log, reg, ref.NewManager())
	srv := NewServer(log, reg, actions, Options{
		RequestsPerHour: 3600, // 1/sec refill
		Burst:           2,
		StaleThreshold:  3,
	})

	createSession(t, srv, "sess-1")

	// Snapshot walks the whole accessibility tree over the shared browser
	// connection; it is priced like a mutation even though it is a GET.
	codes := []int{}
	for i := 0; i < 4; i++ {
		rec := doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1/targets/t1/snapshot", "")
		codes = append(codes, rec.Code)
	}
	require.Contains(t, codes, http.StatusTooManyRequests)

	// Session introspection still passes free once the bucket is empty.
	rec := doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
