package monitoring

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentic-task-fabric/internal/jsonx"
)

func TestRedactString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"password pair", "login failed password=hunter2 retry", "login failed [REDACTED] retry"},
		{"bearer token", "header Bearer abc.def.ghi rejected", "header [REDACTED] rejected"},
		{"api key", "api_key: sk-12345 invalid", "[REDACTED] invalid"},
		{"email", "lookup for dana@globex.com failed", "lookup for [REDACTED] failed"},
		{"clean", "query clients limit 25", "query clients limit 25"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RedactString(tc.in))
		})
	}
}

func TestRedactError(t *testing.T) {
	assert.Equal(t, "", RedactError(nil))
	err := errors.New("auth failed for dana@globex.com")
	assert.Equal(t, "auth failed for [REDACTED]", RedactError(err))
}

func TestRedactFields(t *testing.T) {
	out := RedactFields(map[string]interface{}{
		"table":    "clients",
		"token":    "abc123",
		"Password": "hunter2",
		"note":     "contact dana@globex.com",
		"attempt":  3,
		"nested": map[string]interface{}{
			"secret": "deep",
			"op":     "write",
		},
	})
	assert.Equal(t, "clients", out["table"])
	assert.Equal(t, Redacted, out["token"])
	assert.Equal(t, Redacted, out["Password"])
	assert.Equal(t, "contact [REDACTED]", out["note"])
	assert.Equal(t, 3, out["attempt"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, Redacted, nested["secret"])
	assert.Equal(t, "write", nested["op"])
}

type captureSink struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     error
}

func (c *captureSink) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestEmitterForwardsRedactedEvent(t *testing.T) {
	sink := &captureSink{}
	em := NewEmitter(zaptest.NewLogger(t), sink)

	em.Emit("task_complete", map[string]interface{}{
		"flow":  "rag_query",
		"token": "abc",
	})

	require.Len(t, sink.subjects, 1)
	assert.Equal(t, "monitor.task_complete", sink.subjects[0])

	var ev Event
	require.NoError(t, jsonx.Unmarshal(sink.payloads[0], &ev))
	assert.Equal(t, "task_complete", ev.Name)
	assert.Equal(t, "rag_query", ev.Fields["flow"])
	assert.Equal(t, Redacted, ev.Fields["token"])
	assert.NotEmpty(t, ev.EmittedAt)
}

func TestEmitterNilSink(t *testing.T) {
	em := NewEmitter(zaptest.NewLogger(t), nil)
	em.Emit("heartbeat", nil)
}

func TestEmitterSinkFailureSwallowed(t *testing.T) {
	sink := &captureSink{fail: errors.New("broker down")}
	em := NewEmitter(zaptest.NewLogger(t), sink)
	em.Emit("task_complete", map[string]interface{}{"flow": "rag_query"})
}

func TestEmitError(t *testing.T) {
	sink := &captureSink{}
	em := NewEmitter(zaptest.NewLogger(t), sink)

	em.EmitError("task_failed", errors.New("write denied for dana@globex.com"), map[string]interface{}{
		"flow": "persistence_write",
	})

	require.Len(t, sink.payloads, 1)
	var ev Event
	require.NoError(t, jsonx.Unmarshal(sink.payloads[0], &ev))
	assert.Equal(t, "write denied for [REDACTED]", ev.Fields["error"])
}
