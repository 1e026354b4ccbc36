// Package control is the caller-facing edge of the fabric: task ingestion
// onto the domain stream, result retrieval by range scan, and a health
// snapshot over group stats and worker heartbeats. An HTTP API wraps the
// same operations.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/jsonx"
	"github.com/agentic-task-fabric/internal/stream"
	"github.com/agentic-task-fabric/internal/worker"
)

// ErrResultNotReady reports that no result for the task id has been
// published yet.
var ErrResultNotReady = errors.New("control: result not ready")

// IngressConfig tunes the ingress side of a domain.
type IngressConfig struct {
	Domain       string
	Group        string
	StreamMaxLen int64
	PollInterval time.Duration
	ScanCount    int64
}

// DefaultIngressConfig mirrors the worker defaults for a domain.
func DefaultIngressConfig(domain string) IngressConfig {
	return IngressConfig{
		Domain:       domain,
		Group:        domain + "-workers",
		StreamMaxLen: 10000,
		PollInterval: 100 * time.Millisecond,
		ScanCount:    256,
	}
}

// Ingress publishes tasks and reads back their results for one domain.
type Ingress struct {
	cfg    IngressConfig
	store  stream.Store
	keys   stream.Keys
	logger *zap.Logger
}

// NewIngress builds an ingress over the given store and key layout.
func NewIngress(cfg IngressConfig, store stream.Store, keys stream.Keys, logger *zap.Logger) *Ingress {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 256
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Domain + "-workers"
	}
	return &Ingress{cfg: cfg, store: store, keys: keys, logger: logger.Named("ingress")}
}

// Ingest publishes a new task for flow and returns its task id.
func (i *Ingress) Ingest(ctx context.Context, flow string, payload map[string]interface{}) (string, error) {
	if flow == "" {
		return "", errors.New("control: empty flow")
	}
	task := worker.NewTask(flow, payload)
	raw, err := jsonx.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	taskStream := i.keys.TaskStream(i.cfg.Domain)
	msgID, err := i.store.Publish(ctx, taskStream, raw, i.cfg.StreamMaxLen)
	if err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}
	i.logger.Info("task ingested",
		zap.String("flow", flow),
		zap.String("task_id", task.TaskID),
		zap.String("msg_id", msgID))
	return task.TaskID, nil
}

// Result looks for a published result for taskID with a single scan of the
// results stream. It returns ErrResultNotReady when nothing matches.
func (i *Ingress) Result(ctx context.Context, taskID string) (worker.Result, error) {
	msgs, err := i.store.ReadRange(ctx, i.keys.ResultStream(i.cfg.Domain), "-", "+", i.cfg.ScanCount)
	if err != nil {
		return worker.Result{}, fmt.Errorf("scan results: %w", err)
	}
	for idx := len(msgs) - 1; idx >= 0; idx-- {
		var res worker.Result
		if err := jsonx.Unmarshal(msgs[idx].Payload, &res); err != nil {
			continue
		}
		if res.TaskID == taskID {
			return res, nil
		}
	}
	return worker.Result{}, ErrResultNotReady
}

// AwaitResult polls the results stream until a result for taskID appears or
// timeout elapses.
func (i *Ingress) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (worker.Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		res, err := i.Result(ctx, taskID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrResultNotReady) {
			return worker.Result{}, err
		}
		if time.Now().After(deadline) {
			return worker.Result{}, fmt.Errorf("%w: task %s after %s", ErrResultNotReady, taskID, timeout)
		}
		select {
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HealthSnapshot is the /healthz payload: group backlog plus live workers.
type HealthSnapshot struct {
	Domain     string           `json:"domain"`
	Pending    int64            `json:"pending"`
	Consumers  map[string]int64 `json:"consumers,omitempty"`
	Heartbeats []string         `json:"heartbeats"`
	CheckedAt  string           `json:"checked_at"`
}

// Health collects pending stats for the domain group and the live heartbeat
// keys in the namespace.
func (i *Ingress) Health(ctx context.Context) (HealthSnapshot, error) {
	snap := HealthSnapshot{
		Domain:    i.cfg.Domain,
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	stats, err := i.store.Pending(ctx, i.keys.TaskStream(i.cfg.Domain), i.cfg.Group)
	if err != nil {
		return snap, fmt.Errorf("pending stats: %w", err)
	}
	snap.Pending = stats.Count
	snap.Consumers = stats.Consumers

	keys, err := i.store.LiveKeys(ctx, i.keys.HeartbeatPattern())
	if err != nil {
		return snap, fmt.Errorf("heartbeat scan: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	snap.Heartbeats = keys
	return snap, nil
}
