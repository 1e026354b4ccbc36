package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentic-task-fabric/internal/envelope"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/worker"
)

func newService(t *testing.T) *persistence.Service {
	t.Helper()
	adapter := persistence.NewInMemoryAdapter()
	svc, err := persistence.NewService(adapter, persistence.ServiceConfig{
		ReadTables:  []string{"clients", "notes"},
		WriteTables: []string{"clients", "notes"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func newWriteAgent(t *testing.T) (*Agent, *persistence.Service) {
	t.Helper()
	svc := newService(t)
	return NewAgent(svc, "clients_db", zaptest.NewLogger(t)), svc
}

func writeTask(payload map[string]interface{}) worker.Task {
	task := worker.NewTask("persistence_write", payload)
	return task
}

func TestHandleWrite(t *testing.T) {
	agent, svc := newWriteAgent(t)

	env, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":     OpWrite,
		"table":  "clients",
		"record": map[string]interface{}{"name": "Acme Corp", "email": "ops@acme.io"},
	}))
	require.NoError(t, err)

	require.Len(t, env.Records, 1)
	assert.Equal(t, "clients_db", env.Metadata.Source)
	assert.Equal(t, "Acme Corp", env.Records[0].Columns["name"])
	assert.NotEmpty(t, env.Records[0].Columns["id"])
	require.NotNil(t, env.Metadata.QueryFilters)
	assert.Equal(t, OpWrite, env.Metadata.QueryFilters["op"])
	require.NoError(t, envelope.Validate(env))

	rows, err := svc.Query(context.Background(), "clients", nil, persistence.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleBatchWrite(t *testing.T) {
	agent, _ := newWriteAgent(t)

	env, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":    OpBatchWrite,
		"table": "notes",
		"records": []interface{}{
			map[string]interface{}{"body": "first"},
			map[string]interface{}{"body": "second"},
			map[string]interface{}{"body": "third"},
		},
	}))
	require.NoError(t, err)
	assert.Len(t, env.Records, 3)
	assert.Equal(t, 3, env.Metadata.TotalCount)
}

func TestHandleUpsert(t *testing.T) {
	agent, svc := newWriteAgent(t)

	first, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":     OpWrite,
		"table":  "clients",
		"record": map[string]interface{}{"email": "dana@globex.com", "name": "Globex"},
	}))
	require.NoError(t, err)

	env, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":          OpUpsert,
		"table":       "clients",
		"record":      map[string]interface{}{"email": "dana@globex.com", "name": "Globex Intl"},
		"on_conflict": []interface{}{"email"},
	}))
	require.NoError(t, err)
	require.Len(t, env.Records, 1)
	assert.Equal(t, "Globex Intl", env.Records[0].Columns["name"])
	assert.Equal(t, first.Records[0].Columns["id"], env.Records[0].Columns["id"])

	rows, err := svc.Query(context.Background(), "clients", nil, persistence.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandlePayloadValidation(t *testing.T) {
	agent, _ := newWriteAgent(t)

	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"missing op", map[string]interface{}{"table": "clients"}},
		{"missing table", map[string]interface{}{"op": OpWrite}},
		{"missing record", map[string]interface{}{"op": OpWrite, "table": "clients"}},
		{"empty record", map[string]interface{}{"op": OpWrite, "table": "clients", "record": map[string]interface{}{}}},
		{"missing records", map[string]interface{}{"op": OpBatchWrite, "table": "clients"}},
		{"non-object record in batch", map[string]interface{}{
			"op": OpBatchWrite, "table": "clients",
			"records": []interface{}{map[string]interface{}{"a": 1}, "oops"},
		}},
		{"unknown op", map[string]interface{}{"op": "truncate", "table": "clients"}},
		{"bad on_conflict entry", map[string]interface{}{
			"op": OpUpsert, "table": "clients",
			"record":      map[string]interface{}{"email": "x@y.z"},
			"on_conflict": []interface{}{42},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := agent.Handle(context.Background(), writeTask(tc.payload))
			require.Error(t, err)
			var verr *persistence.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.True(t, persistence.IsTerminal(err))
		})
	}
}

func TestHandleTableNotAllowed(t *testing.T) {
	agent, _ := newWriteAgent(t)

	_, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":     OpWrite,
		"table":  "secrets",
		"record": map[string]interface{}{"key": "v"},
	}))
	require.Error(t, err)
	var terr *persistence.TableNotAllowedError
	assert.ErrorAs(t, err, &terr)
	assert.True(t, persistence.IsTerminal(err))
}

func TestHandleUpsertMissingConflictColumn(t *testing.T) {
	agent, _ := newWriteAgent(t)

	_, err := agent.Handle(context.Background(), writeTask(map[string]interface{}{
		"op":          OpUpsert,
		"table":       "clients",
		"record":      map[string]interface{}{"name": "NoEmail"},
		"on_conflict": []interface{}{"email"},
	}))
	require.Error(t, err)
	var verr *persistence.ValidationError
	assert.ErrorAs(t, err, &verr)
}
