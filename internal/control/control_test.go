package control

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentic-task-fabric/internal/jsonx"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/stream"
	"github.com/agentic-task-fabric/internal/worker"
)

func newIngress(t *testing.T) (*Ingress, *stream.MemoryStore, stream.Keys) {
	t.Helper()
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("testns")
	cfg := DefaultIngressConfig("agents")
	cfg.PollInterval = 10 * time.Millisecond
	return NewIngress(cfg, store, keys, zaptest.NewLogger(t)), store, keys
}

func publishResult(t *testing.T, store stream.Store, keys stream.Keys, res worker.Result) {
	t.Helper()
	raw, err := jsonx.Marshal(res)
	require.NoError(t, err)
	_, err = store.Publish(context.Background(), keys.ResultStream("agents"), raw, 0)
	require.NoError(t, err)
}

func TestIngestPublishesTask(t *testing.T) {
	ing, store, keys := newIngress(t)

	taskID, err := ing.Ingest(context.Background(), "rag_query", map[string]interface{}{"prompt": "find acme"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	msgs, err := store.ReadRange(context.Background(), keys.TaskStream("agents"), "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var task worker.Task
	require.NoError(t, jsonx.Unmarshal(msgs[0].Payload, &task))
	assert.Equal(t, taskID, task.TaskID)
	assert.Equal(t, "rag_query", task.Flow)
	assert.Equal(t, "find acme", task.Payload["prompt"])
	assert.NotEmpty(t, task.Meta.EnqueuedAt)
}

func TestIngestRejectsEmptyFlow(t *testing.T) {
	ing, _, _ := newIngress(t)
	_, err := ing.Ingest(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestResultNotReady(t *testing.T) {
	ing, _, _ := newIngress(t)
	_, err := ing.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestAwaitResultFindsLaterPublish(t *testing.T) {
	ing, store, keys := newIngress(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		publishResult(t, store, keys, worker.Result{TaskID: "t-1", Status: worker.ResultSuccess})
	}()

	res, err := ing.AwaitResult(context.Background(), "t-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, worker.ResultSuccess, res.Status)
}

func TestAwaitResultTimesOut(t *testing.T) {
	ing, _, _ := newIngress(t)
	_, err := ing.AwaitResult(context.Background(), "never", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestResultPicksNewestForTask(t *testing.T) {
	ing, store, keys := newIngress(t)
	publishResult(t, store, keys, worker.Result{TaskID: "t-2", Status: worker.ResultError, Error: "transient"})
	publishResult(t, store, keys, worker.Result{TaskID: "t-2", Status: worker.ResultSuccess})

	res, err := ing.Result(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, worker.ResultSuccess, res.Status)
}

func TestHealthSnapshot(t *testing.T) {
	ing, store, keys := newIngress(t)
	ctx := context.Background()

	taskStream := keys.TaskStream("agents")
	require.NoError(t, store.CreateGroup(ctx, taskStream, "agents-workers", stream.GroupStartAll))
	_, err := store.Publish(ctx, taskStream, []byte(`{"task_id":"t-3"}`), 0)
	require.NoError(t, err)
	_, err = store.Claim(ctx, taskStream, "agents-workers", "w-1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, keys.HeartbeatKey("worker", "w-1"), time.Minute))

	snap, err := ing.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agents", snap.Domain)
	assert.Equal(t, int64(1), snap.Pending)
	require.Len(t, snap.Heartbeats, 1)
	assert.Contains(t, snap.Heartbeats[0], "ops:hb:worker:w-1")
	assert.NotEmpty(t, snap.CheckedAt)
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *stream.MemoryStore, stream.Keys) {
	t.Helper()
	ing, store, keys := newIngress(t)
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, keys.TaskStream("agents"), "agents-workers", stream.GroupStartAll))

	metrics := func() map[string]persistence.OpStats {
		return map[string]persistence.OpStats{"query:clients": {Count: 4}}
	}
	cfg := DefaultServerConfig()
	cfg.JWTSecret = secret
	cfg.ResultTimeout = 100 * time.Millisecond
	srv := NewServer(cfg, ing, metrics, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, keys
}

func TestHTTPIngestAndResult(t *testing.T) {
	ts, store, keys := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json",
		strings.NewReader(`{"flow":"rag_query","payload":{"prompt":"hi"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack map[string]string
	require.NoError(t, decodeBody(resp, &ack))
	taskID := ack["task_id"]
	require.NotEmpty(t, taskID)

	publishResult(t, store, keys, worker.Result{TaskID: taskID, Status: worker.ResultSuccess})

	resp2, err := http.Get(ts.URL + "/v1/tasks/" + taskID + "/result")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var res worker.Result
	require.NoError(t, decodeBody(resp2, &res))
	assert.Equal(t, worker.ResultSuccess, res.Status)
}

func TestHTTPIngestBadRequest(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{"payload":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPResultNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/v1/tasks/absent/result?wait=false")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, decodeBody(resp, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPAdminMetricsAuth(t *testing.T) {
	secret := "test-secret"
	ts, _, _ := newTestServer(t, secret)

	resp, err := http.Get(ts.URL + "/v1/admin/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req3, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/admin/metrics", nil)
	req3.Header.Set("Authorization", "Bearer "+signed)
	resp3, err := http.DefaultClient.Do(req3)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var stats map[string]persistence.OpStats
	require.NoError(t, decodeBody(resp3, &stats))
	assert.Equal(t, int64(4), stats["query:clients"].Count)
}

func TestHTTPAdminMetricsDisabledWithoutSecret(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/v1/admin/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func decodeBody(resp *http.Response, v interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return jsonx.Unmarshal(raw, v)
}
