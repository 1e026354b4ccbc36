// Package retrieval implements the deterministic retrieval pipeline: parse
// free text into filters, normalize and paginate, consult the cache, query
// through the read-only facade, relax filters on empty results, and fall
// back to a rate-limited reasoning path when one is configured.
package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/envelope"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/worker"
)

// Config tunes the retrieval agent.
type Config struct {
	Table              string
	Source             string
	DefaultLimit       int
	MaxLimit           int
	SummaryThreshold   int
	SummaryGroupBy     string
	MaxFallbacksPerMin int
	MaxReformulations  int
	CacheDisabled      bool
	CacheSize          int64
	DefaultListOnEmpty bool
	DefaultListLimit   int
	ExtractRetries     int
}

// DefaultAgentConfig returns the retrieval defaults for the clients table.
func DefaultAgentConfig() Config {
	return Config{
		Table:              "clients",
		Source:             "clients_db",
		DefaultLimit:       25,
		MaxLimit:           200,
		SummaryThreshold:   200,
		SummaryGroupBy:     "company",
		MaxFallbacksPerMin: 5,
		MaxReformulations:  3,
		CacheSize:          1024,
		DefaultListOnEmpty: true,
		DefaultListLimit:   10,
		ExtractRetries:     2,
	}
}

// Request is the task payload shape the agent accepts.
type Request struct {
	Prompt     string                 `json:"prompt,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
	IncludeRaw bool                   `json:"include_raw,omitempty"`
	ReturnJSON bool                   `json:"return_json,omitempty"`
}

// Agent is the retrieval worker. It reads exclusively through a read-only
// facade, so no execution path can mutate state.
type Agent struct {
	cfg     Config
	reader  persistence.Reader
	llm     LLM
	cache   *Cache
	limiter *FallbackLimiter
	bundle  *ContextBundle
	logger  *zap.Logger
}

// NewAgent assembles the retrieval agent. llm and bundle may be nil.
func NewAgent(cfg Config, reader persistence.Reader, llm LLM, bundle *ContextBundle, logger *zap.Logger) (*Agent, error) {
	var cache *Cache
	if !cfg.CacheDisabled {
		var err error
		cache, err = NewCache(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{
		cfg:     cfg,
		reader:  reader,
		llm:     llm,
		cache:   cache,
		limiter: NewFallbackLimiter(cfg.MaxFallbacksPerMin),
		bundle:  bundle,
		logger:  logger.Named("retrieval"),
	}, nil
}

// Handle implements worker.Agent.
func (a *Agent) Handle(ctx context.Context, task worker.Task) (envelope.Envelope, error) {
	req, err := decodeRequest(task.Payload)
	if err != nil {
		return envelope.Envelope{}, &persistence.ValidationError{
			Op: "retrieve", Table: a.cfg.Table, Reason: err.Error(),
		}
	}
	return a.Retrieve(ctx, req, task.TaskID)
}

// Retrieve runs the full pipeline for one request.
func (a *Agent) Retrieve(ctx context.Context, req Request, taskID string) (envelope.Envelope, error) {
	caps := a.reader.Capabilities()

	filters := req.Filters
	if len(filters) == 0 {
		filters = ParseFilters(req.Prompt)
	}
	if len(filters) == 0 && a.llm != nil && req.Prompt != "" {
		filters = a.extractWithLLM(ctx, req.Prompt)
	}
	filters = NormalizeFilters(filters, caps.Ilike)

	limit := clamp(req.Limit, a.cfg.DefaultLimit, a.cfg.MaxLimit)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	if len(filters) == 0 {
		return a.handleUnfiltered(ctx, req, taskID)
	}

	var cacheKey string
	if a.cache != nil {
		cacheKey, _ = a.cache.Key(filters, limit, offset)
		if cacheKey != "" {
			if env, ok := a.cache.Get(cacheKey); ok {
				env.Metadata.Cache = envelope.CacheHit
				env.Metadata.TaskID = taskID
				a.logger.Debug("cache hit", zap.String("task_id", taskID))
				return env, nil
			}
		}
	}

	rows, err := a.queryAll(ctx, filters, caps)
	if err != nil {
		return envelope.Envelope{}, err
	}

	var attempts []envelope.ReformulationAttempt
	usedFilters := filters
	if len(rows) == 0 {
		rows, usedFilters, attempts, err = a.reformulate(ctx, filters, caps)
		if err != nil {
			return envelope.Envelope{}, err
		}
	}

	if len(rows) == 0 {
		return a.fallback(ctx, req, taskID, filters, attempts)
	}

	env, err := a.assemble(rows, usedFilters, limit, offset, taskID, req.IncludeRaw)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(attempts) > 0 {
		env.Metadata.Fallback = envelope.FallbackReformulation
		env.Metadata.ReformulationAttempts = attempts
	}
	if a.cache != nil && cacheKey != "" {
		a.cache.Put(cacheKey, env)
	}
	return env, nil
}

func (a *Agent) extractWithLLM(ctx context.Context, prompt string) map[string]interface{} {
	retries := a.cfg.ExtractRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		extracted, err := a.llm.ExtractFilters(ctx, prompt)
		if err != nil {
			a.logger.Warn("filter extraction failed", zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		if len(extracted) > 0 {
			return extracted
		}
	}
	return nil
}

// queryAll fetches every match so the pre-truncation count and summary
// groups are exact; pagination windows afterward.
func (a *Agent) queryAll(ctx context.Context, filters map[string]interface{}, caps persistence.Capabilities) ([]map[string]interface{}, error) {
	return a.reader.Query(ctx, a.cfg.Table, persistence.FiltersFromMap(filters, caps), persistence.QueryOptions{})
}

func (a *Agent) reformulate(ctx context.Context, filters map[string]interface{}, caps persistence.Capabilities) ([]map[string]interface{}, map[string]interface{}, []envelope.ReformulationAttempt, error) {
	var attempts []envelope.ReformulationAttempt
	current := filters

	for _, s := range strategies {
		if len(attempts) >= a.cfg.MaxReformulations {
			break
		}
		relaxed, ok := s.apply(current)
		if !ok {
			continue
		}
		rows, err := a.queryAll(ctx, relaxed, caps)
		if err != nil {
			return nil, nil, attempts, err
		}
		attempts = append(attempts, envelope.ReformulationAttempt{
			Reason:      s.reason,
			Filters:     relaxed,
			ResultCount: len(rows),
		})
		a.logger.Debug("reformulation attempt",
			zap.String("reason", s.reason), zap.Int("result_count", len(rows)))
		current = relaxed
		if len(rows) > 0 {
			return rows, relaxed, attempts, nil
		}
	}
	return nil, filters, attempts, nil
}

// fallback runs the reasoning path when queries stayed empty. Without a
// model, or with the window exhausted, it returns an empty suppressed
// envelope rather than an error.
func (a *Agent) fallback(ctx context.Context, req Request, taskID string, filters map[string]interface{}, attempts []envelope.ReformulationAttempt) (envelope.Envelope, error) {
	extra := &envelope.MetaExtra{
		QueryFilters:          filters,
		ReformulationAttempts: attempts,
	}

	if a.llm == nil || !a.limiter.Allow() {
		extra.Fallback = envelope.FallbackSuppressed
		a.logger.Info("fallback suppressed", zap.String("task_id", taskID))
		return envelope.FromRecords(a.cfg.Source, nil, taskID, extra)
	}

	contextBlock := ""
	if a.bundle != nil {
		contextBlock = a.bundle.Render(ctx)
	}
	answer, err := a.llm.Reason(ctx, req.Prompt, contextBlock)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("reasoning fallback: %w", err)
	}

	extra.Fallback = envelope.FallbackAgent
	return envelope.FromRecords("agent", []map[string]interface{}{
		{"response": answer},
	}, taskID, extra)
}

// handleUnfiltered serves prompts that produced no filters: a bounded
// default page when the policy allows it, otherwise the fallback path.
func (a *Agent) handleUnfiltered(ctx context.Context, req Request, taskID string) (envelope.Envelope, error) {
	if req.ReturnJSON && a.cfg.DefaultListOnEmpty {
		rows, err := a.reader.Query(ctx, a.cfg.Table, nil, persistence.QueryOptions{
			Limit: a.cfg.DefaultListLimit,
		})
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.FromRecords(a.cfg.Source, rows, taskID, &envelope.MetaExtra{
			Limit:      a.cfg.DefaultListLimit,
			Cache:      envelope.CacheMiss,
			IncludeRaw: req.IncludeRaw,
		})
	}
	return a.fallback(ctx, req, taskID, nil, nil)
}

// assemble windows rows by offset and limit, attaches a summary block when
// the match count exceeds the threshold, and builds the envelope.
func (a *Agent) assemble(rows []map[string]interface{}, filters map[string]interface{}, limit, offset int, taskID string, includeRaw bool) (envelope.Envelope, error) {
	total := len(rows)

	windowed := rows
	if offset > 0 {
		if offset >= len(windowed) {
			windowed = nil
		} else {
			windowed = windowed[offset:]
		}
	}
	if limit > 0 && len(windowed) > limit {
		windowed = windowed[:limit]
	}

	extra := &envelope.MetaExtra{
		QueryFilters: filters,
		Limit:        limit,
		Offset:       offset,
		Cache:        envelope.CacheMiss,
		IncludeRaw:   includeRaw,
	}

	// total_count stays the returned count unless a summary block carries
	// the pre-truncation figure.
	if a.cfg.SummaryThreshold > 0 && total > a.cfg.SummaryThreshold {
		extra.TotalCount = total
		counts := make(map[string]int)
		for _, row := range rows {
			key := fmt.Sprintf("%v", row[a.cfg.SummaryGroupBy])
			counts[key]++
		}
		extra.Truncated = true
		extra.Summary = &envelope.Summary{
			GroupBy:  a.cfg.SummaryGroupBy,
			Counts:   counts,
			Returned: len(windowed),
		}
	}

	return envelope.FromRecords(a.cfg.Source, windowed, taskID, extra)
}

func clamp(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit < 1 {
		limit = 1
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

func decodeRequest(payload map[string]interface{}) (Request, error) {
	var req Request
	if payload == nil {
		return req, nil
	}
	if v, ok := payload["prompt"]; ok {
		s, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("prompt must be a string")
		}
		req.Prompt = s
	}
	if v, ok := payload["filters"]; ok && v != nil {
		m, ok := v.(map[string]interface{})
		if !ok {
			return req, fmt.Errorf("filters must be an object")
		}
		req.Filters = m
	}
	if v, ok := payload["limit"]; ok {
		n, ok := asInt(v)
		if !ok {
			return req, fmt.Errorf("limit must be an integer")
		}
		req.Limit = n
	}
	if v, ok := payload["offset"]; ok {
		n, ok := asInt(v)
		if !ok {
			return req, fmt.Errorf("offset must be an integer")
		}
		req.Offset = n
	}
	req.IncludeRaw, _ = payload["include_raw"].(bool)
	req.ReturnJSON, _ = payload["return_json"].(bool)
	return req, nil
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
