// Package writer executes write tasks against the persistence service:
// single inserts, batches, and keyed upserts. Permission and allowlist
// failures are terminal so the runtime never retries them.
package writer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/envelope"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/worker"
)

// Write operations accepted in task payloads.
const (
	OpWrite      = "write"
	OpBatchWrite = "batch_write"
	OpUpsert     = "upsert"
)

// Agent consumes write tasks and delegates to the persistence service.
type Agent struct {
	svc    *persistence.Service
	source string
	logger *zap.Logger
}

// NewAgent builds a write agent. source names the backend in result
// envelopes.
func NewAgent(svc *persistence.Service, source string, logger *zap.Logger) *Agent {
	if source == "" {
		source = "writer"
	}
	return &Agent{svc: svc, source: source, logger: logger.Named("writer")}
}

// request is the validated payload shape.
type request struct {
	Op         string
	Table      string
	Record     map[string]interface{}
	Records    []map[string]interface{}
	OnConflict []string
}

// Handle implements worker.Agent.
func (a *Agent) Handle(ctx context.Context, task worker.Task) (envelope.Envelope, error) {
	req, err := parsePayload(task.Payload)
	if err != nil {
		return envelope.Envelope{}, err
	}

	var rows []map[string]interface{}
	switch req.Op {
	case OpWrite:
		row, werr := a.svc.Write(ctx, req.Table, req.Record)
		if werr != nil {
			return envelope.Envelope{}, werr
		}
		rows = []map[string]interface{}{row}
	case OpBatchWrite:
		rows, err = a.svc.BatchWrite(ctx, req.Table, req.Records)
		if err != nil {
			return envelope.Envelope{}, err
		}
	case OpUpsert:
		row, uerr := a.svc.Upsert(ctx, req.Table, req.Record, req.OnConflict)
		if uerr != nil {
			return envelope.Envelope{}, uerr
		}
		rows = []map[string]interface{}{row}
	}

	a.logger.Info("write complete",
		zap.String("op", req.Op),
		zap.String("table", req.Table),
		zap.Int("rows", len(rows)))

	return envelope.FromRecords(a.source, rows, task.TaskID, &envelope.MetaExtra{
		QueryFilters: map[string]interface{}{"op": req.Op, "table": req.Table},
	})
}

// parsePayload validates the task payload shape before any service call.
func parsePayload(payload map[string]interface{}) (request, error) {
	fail := func(reason string) (request, error) {
		table, _ := payload["table"].(string)
		op, _ := payload["op"].(string)
		return request{}, &persistence.ValidationError{Op: op, Table: table, Reason: reason}
	}

	op, _ := payload["op"].(string)
	if op == "" {
		return fail("missing op")
	}
	table, _ := payload["table"].(string)
	if table == "" {
		return fail("missing table")
	}

	req := request{Op: op, Table: table}

	switch op {
	case OpWrite, OpUpsert:
		rec, ok := payload["record"].(map[string]interface{})
		if !ok || len(rec) == 0 {
			return fail("missing record")
		}
		req.Record = rec
	case OpBatchWrite:
		raw, ok := payload["records"].([]interface{})
		if !ok || len(raw) == 0 {
			return fail("missing records")
		}
		req.Records = make([]map[string]interface{}, 0, len(raw))
		for i, r := range raw {
			rec, ok := r.(map[string]interface{})
			if !ok {
				return fail(fmt.Sprintf("record %d is not an object", i))
			}
			req.Records = append(req.Records, rec)
		}
	default:
		return fail(fmt.Sprintf("unknown op %q", op))
	}

	if op == OpUpsert {
		if raw, ok := payload["on_conflict"].([]interface{}); ok {
			for _, c := range raw {
				col, ok := c.(string)
				if !ok {
					return fail("on_conflict entries must be strings")
				}
				req.OnConflict = append(req.OnConflict, col)
			}
		}
	}
	return req, nil
}
