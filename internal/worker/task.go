// Package worker runs the consumer side of the fabric: claiming tasks from
// a domain's stream, enforcing idempotency, dispatching to the registered
// agent under bounded concurrency, and publishing results or dead letters.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-task-fabric/internal/envelope"
)

// Task is the stream entry payload for one unit of work. TaskID is the
// caller-facing idempotency key.
type Task struct {
	TaskID  string                 `json:"task_id"`
	Flow    string                 `json:"flow"`
	Payload map[string]interface{} `json:"payload"`
	Meta    TaskMeta               `json:"meta"`
}

// TaskMeta is the delivery bookkeeping carried with a task.
type TaskMeta struct {
	EnqueuedAt    string `json:"enqueued_at"`
	Attempt       int    `json:"attempt"`
	AllowDelivery bool   `json:"allow_delivery,omitempty"`
}

// NewTask builds a fresh task for flow with a generated id.
func NewTask(flow string, payload map[string]interface{}) Task {
	return Task{
		TaskID:  uuid.NewString(),
		Flow:    flow,
		Payload: payload,
		Meta:    TaskMeta{EnqueuedAt: time.Now().UTC().Format(time.RFC3339)},
	}
}

// Result statuses.
const (
	ResultSuccess = "SUCCESS"
	ResultError   = "ERROR"
)

// Result is the stream entry payload published to the results stream.
type Result struct {
	TaskID   string             `json:"task_id"`
	Status   string             `json:"status"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// DeadLetter wraps a task that exhausted its retries or failed terminally.
type DeadLetter struct {
	Task     Task   `json:"task"`
	Reason   string `json:"reason"`
	Attempt  int    `json:"attempt"`
	FailedAt string `json:"failed_at"`
}

// Agent executes one task and returns its envelope.
type Agent interface {
	Handle(ctx context.Context, task Task) (envelope.Envelope, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, task Task) (envelope.Envelope, error)

// Handle implements Agent.
func (f AgentFunc) Handle(ctx context.Context, task Task) (envelope.Envelope, error) {
	return f(ctx, task)
}

// Resolver maps a flow name to the agent that serves it.
type Resolver interface {
	Resolve(flow string) (Agent, error)
}
