package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentic-task-fabric/internal/envelope"
	"github.com/agentic-task-fabric/internal/jsonx"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/stream"
)

type mapResolver map[string]Agent

func (m mapResolver) Resolve(flow string) (Agent, error) {
	if a, ok := m[flow]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("flow %q not registered", flow)
}

func testConfig(domain string) Config {
	cfg := DefaultConfig(domain)
	cfg.Consumer = "test-consumer"
	cfg.ClaimBlock = 50 * time.Millisecond
	cfg.RetryBackoff = 0
	cfg.HBEnabled = false
	cfg.InFlightGrace = 2 * time.Second
	return cfg
}

// ensureGroup pre-creates the consumer group at the stream start so tasks
// published before the runtime boots are still delivered.
func ensureGroup(t *testing.T, store stream.Store, keys stream.Keys, domain, group string) {
	t.Helper()
	require.NoError(t, store.CreateGroup(context.Background(), keys.TaskStream(domain), group, stream.GroupStartAll))
}

func publishTask(t *testing.T, store stream.Store, keys stream.Keys, task Task) string {
	t.Helper()
	ensureGroup(t, store, keys, task.Flow, task.Flow+"-workers")
	payload, err := jsonx.Marshal(task)
	require.NoError(t, err)
	id, err := store.Publish(context.Background(), keys.TaskStream(task.Flow), payload, 0)
	require.NoError(t, err)
	return id
}

// runUntil runs the runtime until cond holds or the deadline passes.
func runUntil(t *testing.T, r *Runtime, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, r.Run(ctx))
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	require.True(t, cond(), "condition never held")
}

func readResults(t *testing.T, store stream.Store, keys stream.Keys, domain string) []Result {
	t.Helper()
	msgs, err := store.ReadRange(context.Background(), keys.ResultStream(domain), "-", "+", 0)
	require.NoError(t, err)
	out := make([]Result, 0, len(msgs))
	for _, m := range msgs {
		var res Result
		require.NoError(t, jsonx.Unmarshal(m.Payload, &res))
		out = append(out, res)
	}
	return out
}

func readDLQ(t *testing.T, store stream.Store, keys stream.Keys, domain string) []DeadLetter {
	t.Helper()
	msgs, err := store.ReadRange(context.Background(), keys.DLQStream(domain), "-", "+", 0)
	require.NoError(t, err)
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		var dl DeadLetter
		require.NoError(t, jsonx.Unmarshal(m.Payload, &dl))
		out = append(out, dl)
	}
	return out
}

func TestRuntimeHappyPath(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		return envelope.FromRecords("clients_db",
			[]map[string]interface{}{{"id": 1, "name": "Acme"}}, task.TaskID, nil)
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	task := NewTask("rag", map[string]interface{}{"prompt": "acme"})
	publishTask(t, store, keys, task)

	runUntil(t, r, func() bool {
		return len(readResults(t, store, keys, "rag")) == 1
	})

	results := readResults(t, store, keys, "rag")
	require.Len(t, results, 1)
	assert.Equal(t, task.TaskID, results[0].TaskID)
	assert.Equal(t, ResultSuccess, results[0].Status)
	require.NotNil(t, results[0].Envelope)
	assert.Equal(t, envelope.StatusSuccess, results[0].Envelope.Status)

	stats, err := store.Pending(context.Background(), keys.TaskStream("rag"), r.cfg.Group)
	require.NoError(t, err)
	assert.Zero(t, stats.Count, "task acked after result publish")
}

func TestRuntimeIdempotentRedelivery(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	var calls int
	var mu sync.Mutex
	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return envelope.FromRecords("src", nil, task.TaskID, nil)
	})

	ordered := &orderedStore{MemoryStore: store}
	r := NewRuntime(testConfig("rag"), ordered, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))

	task := NewTask("rag", nil)
	msgID := publishTask(t, store, keys, task)

	// Simulate a prior delivery that already holds the idempotency lock.
	locked, err := store.LockAcquire(context.Background(),
		keys.IdempKey(keys.TaskStream("rag"), msgID), time.Hour)
	require.NoError(t, err)
	require.True(t, locked)

	runUntil(t, r, func() bool {
		ordered.mu.Lock()
		defer ordered.mu.Unlock()
		for _, op := range ordered.ops {
			if op == "ack:"+keys.TaskStream("rag") {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "locked message must not re-execute")
	assert.Empty(t, readResults(t, store, keys, "rag"))
}

func TestRuntimeTransientRetryThenSuccess(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	var mu sync.Mutex
	attempts := []int{}
	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		mu.Lock()
		attempts = append(attempts, task.Meta.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return envelope.Envelope{}, &persistence.AdapterError{
				Op: "query", Table: "clients", Transient: true, Cause: errors.New("timeout"),
			}
		}
		return envelope.FromRecords("src", nil, task.TaskID, nil)
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	task := NewTask("rag", nil)
	publishTask(t, store, keys, task)

	runUntil(t, r, func() bool {
		results := readResults(t, store, keys, "rag")
		return len(results) == 1 && results[0].Status == ResultSuccess
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0])
	assert.Equal(t, 1, attempts[1], "requeued task carries attempt+1")
	assert.Empty(t, readDLQ(t, store, keys, "rag"))
}

func TestRuntimeTerminalFailureGoesToDLQ(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	var mu sync.Mutex
	calls := 0
	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return envelope.Envelope{}, &persistence.PermissionError{Op: "write", Table: "clients"}
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	task := NewTask("rag", nil)
	publishTask(t, store, keys, task)

	runUntil(t, r, func() bool {
		return len(readDLQ(t, store, keys, "rag")) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "permission errors are never retried")

	results := readResults(t, store, keys, "rag")
	require.Len(t, results, 1)
	assert.Equal(t, ResultError, results[0].Status)
	assert.Contains(t, results[0].Error, "not permitted")

	dlq := readDLQ(t, store, keys, "rag")
	assert.Equal(t, task.TaskID, dlq[0].Task.TaskID)
	assert.Contains(t, dlq[0].Reason, "not permitted")
}

func TestRuntimeUnknownErrorRetriedOnce(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	var mu sync.Mutex
	calls := 0
	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return envelope.Envelope{}, errors.New("something odd")
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	publishTask(t, store, keys, NewTask("rag", nil))

	runUntil(t, r, func() bool {
		return len(readDLQ(t, store, keys, "rag")) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "one retry for unclassified errors")
}

func TestRuntimeUnknownFlowIsTerminal(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{}, nil, zaptest.NewLogger(t))
	task := NewTask("rag", nil)
	publishTask(t, store, keys, task)

	runUntil(t, r, func() bool {
		return len(readDLQ(t, store, keys, "rag")) == 1
	})

	results := readResults(t, store, keys, "rag")
	require.Len(t, results, 1)
	assert.Equal(t, ResultError, results[0].Status)
	assert.Contains(t, results[0].Error, "not registered")
}

func TestRuntimeAgentPanicRecovered(t *testing.T) {
	store := stream.NewMemoryStore()
	keys := stream.NewKeys("test")

	var mu sync.Mutex
	calls := 0
	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	publishTask(t, store, keys, NewTask("rag", nil))

	runUntil(t, r, func() bool {
		return len(readDLQ(t, store, keys, "rag")) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "panic counts as an unclassified error")

	dlq := readDLQ(t, store, keys, "rag")
	assert.Contains(t, dlq[0].Reason, "panic")
}

// orderedStore records the operation sequence so tests can assert that the
// result publish precedes the task ack.
type orderedStore struct {
	*stream.MemoryStore
	mu  sync.Mutex
	ops []string
}

func (o *orderedStore) Publish(ctx context.Context, streamName string, payload []byte, maxLen int64) (string, error) {
	o.mu.Lock()
	o.ops = append(o.ops, "publish:"+streamName)
	o.mu.Unlock()
	return o.MemoryStore.Publish(ctx, streamName, payload, maxLen)
}

func (o *orderedStore) Ack(ctx context.Context, streamName, group, msgID string) error {
	o.mu.Lock()
	o.ops = append(o.ops, "ack:"+streamName)
	o.mu.Unlock()
	return o.MemoryStore.Ack(ctx, streamName, group, msgID)
}

func TestRuntimePublishHappensBeforeAck(t *testing.T) {
	store := &orderedStore{MemoryStore: stream.NewMemoryStore()}
	keys := stream.NewKeys("test")

	agent := AgentFunc(func(ctx context.Context, task Task) (envelope.Envelope, error) {
		return envelope.FromRecords("src", nil, task.TaskID, nil)
	})

	r := NewRuntime(testConfig("rag"), store, keys, mapResolver{"rag": agent}, nil, zaptest.NewLogger(t))
	publishTask(t, store, keys, NewTask("rag", nil))

	runUntil(t, r, func() bool {
		return len(readResults(t, store, keys, "rag")) == 1
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	resultIdx, ackIdx := -1, -1
	for i, op := range store.ops {
		if op == "publish:"+keys.ResultStream("rag") && resultIdx < 0 {
			resultIdx = i
		}
		if op == "ack:"+keys.TaskStream("rag") && ackIdx < 0 {
			ackIdx = i
		}
	}
	require.GreaterOrEqual(t, resultIdx, 0)
	require.GreaterOrEqual(t, ackIdx, 0)
	assert.Less(t, resultIdx, ackIdx, "result publish precedes ack")
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	d := NewDispatcher(map[string]int{"rag": 2})
	ctx := context.Background()

	var mu sync.Mutex
	current, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Submit(ctx, "rag", func() error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestDispatcherUnlistedAgentUnbounded(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Submit(context.Background(), "anything", func() error { return nil }))
	assert.Zero(t, d.InFlight("anything"))
}

func TestDispatcherSubmitHonorsContext(t *testing.T) {
	d := NewDispatcher(map[string]int{"rag": 1})
	ctx := context.Background()

	release := make(chan struct{})
	go d.Submit(ctx, "rag", func() error {
		<-release
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	cancelled, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := d.Submit(cancelled, "rag", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
