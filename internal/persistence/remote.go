package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/jsonx"
)

// RemoteConfig configures the REST table service adapter.
type RemoteConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxBatchSize int
	ColumnCache  int
}

// DefaultRemoteConfig returns the adapter defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:      10 * time.Second,
		MaxBatchSize: 500,
		ColumnCache:  128,
	}
}

// RemoteAdapter speaks to a PostgREST-style table service over HTTP.
// Filters translate to query-string operators and writes go through the
// representation-returning POST endpoints.
type RemoteAdapter struct {
	cfg     RemoteConfig
	client  *http.Client
	logger  *zap.Logger
	columns *lru.Cache[string, []string]
}

// NewRemoteAdapter builds a remote adapter from cfg.
func NewRemoteAdapter(cfg RemoteConfig, logger *zap.Logger) (*RemoteAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote adapter: base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteConfig().Timeout
	}
	if cfg.ColumnCache <= 0 {
		cfg.ColumnCache = DefaultRemoteConfig().ColumnCache
	}
	cache, err := lru.New[string, []string](cfg.ColumnCache)
	if err != nil {
		return nil, fmt.Errorf("remote adapter: column cache: %w", err)
	}
	return &RemoteAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("remote_adapter"),
		columns: cache,
	}, nil
}

// Capabilities implements Adapter.
func (a *RemoteAdapter) Capabilities() Capabilities {
	return Capabilities{
		EqualityFilters: true,
		Ordering:        true,
		Limit:           true,
		Projections:     true,
		Ilike:           true,
		RangeOperators:  true,
		InOperator:      true,
		MaxBatchSize:    a.cfg.MaxBatchSize,
	}
}

func (a *RemoteAdapter) endpoint(table string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/" + url.PathEscape(table)
}

func (a *RemoteAdapter) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("apikey", a.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	return req, nil
}

// do executes req and decodes the JSON array response. Network failures, 5xx
// and 429 responses classify as transient; other non-2xx as permanent.
func (a *RemoteAdapter) do(op, table string, req *http.Request) ([]map[string]interface{}, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AdapterError{Op: op, Table: table, Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &AdapterError{Op: op, Table: table, Transient: true, Cause: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &AdapterError{Op: op, Table: table, Transient: true,
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AdapterError{Op: op, Table: table, Transient: false,
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body))}
	}
	if len(body) == 0 {
		return nil, nil
	}

	var rows []map[string]interface{}
	if err := jsonx.Unmarshal(body, &rows); err != nil {
		// Single-object responses come back from representation POSTs.
		var row map[string]interface{}
		if err2 := jsonx.Unmarshal(body, &row); err2 == nil {
			return []map[string]interface{}{row}, nil
		}
		return nil, &AdapterError{Op: op, Table: table, Transient: false,
			Cause: fmt.Errorf("decode response: %w", err)}
	}
	return rows, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Write implements Adapter.
func (a *RemoteAdapter) Write(ctx context.Context, table string, record map[string]interface{}) (map[string]interface{}, error) {
	rows, err := a.post(ctx, "write", table, []map[string]interface{}{record}, "return=representation", nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &AdapterError{Op: "write", Table: table, Cause: fmt.Errorf("empty representation")}
	}
	return rows[0], nil
}

// BatchWrite implements Adapter, chunking by the configured batch size.
func (a *RemoteAdapter) BatchWrite(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	size := a.cfg.MaxBatchSize
	if size <= 0 {
		size = len(records)
	}
	out := make([]map[string]interface{}, 0, len(records))
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		rows, err := a.post(ctx, "batch_write", table, records[start:end], "return=representation", nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Upsert implements Adapter.
func (a *RemoteAdapter) Upsert(ctx context.Context, table string, record map[string]interface{}, onConflict []string) (map[string]interface{}, error) {
	params := url.Values{}
	if len(onConflict) > 0 {
		params.Set("on_conflict", strings.Join(onConflict, ","))
	}
	rows, err := a.post(ctx, "upsert", table, []map[string]interface{}{record},
		"return=representation,resolution=merge-duplicates", params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &AdapterError{Op: "upsert", Table: table, Cause: fmt.Errorf("empty representation")}
	}
	return rows[0], nil
}

func (a *RemoteAdapter) post(ctx context.Context, op, table string, records []map[string]interface{}, prefer string, params url.Values) ([]map[string]interface{}, error) {
	body, err := jsonx.Marshal(records)
	if err != nil {
		return nil, &AdapterError{Op: op, Table: table, Cause: fmt.Errorf("encode payload: %w", err)}
	}
	u := a.endpoint(table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := a.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, &AdapterError{Op: op, Table: table, Cause: err}
	}
	req.Header.Set("Prefer", prefer)
	return a.do(op, table, req)
}

// Read implements Adapter.
func (a *RemoteAdapter) Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error) {
	if idCol == "" {
		idCol = "id"
	}
	rows, err := a.Query(ctx, table, []Filter{Eq(idCol, id)}, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Query implements Adapter.
func (a *RemoteAdapter) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error) {
	params := url.Values{}
	for _, f := range filters {
		expr, err := encodeFilter(f)
		if err != nil {
			return nil, &AdapterError{Op: "query", Table: table, Cause: err}
		}
		params.Add(f.Column, expr)
	}
	if len(opts.Select) > 0 {
		params.Set("select", strings.Join(opts.Select, ","))
	}
	if opts.OrderBy != "" {
		dir := "asc"
		if opts.Desc {
			dir = "desc"
		}
		params.Set("order", opts.OrderBy+"."+dir)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	u := a.endpoint(table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := a.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &AdapterError{Op: "query", Table: table, Cause: err}
	}
	return a.do("query", table, req)
}

// encodeFilter renders one filter as a PostgREST operator expression.
// Ilike patterns swap % for * per the wire convention.
func encodeFilter(f Filter) (string, error) {
	switch f.Op {
	case OpEq:
		return "eq." + renderValue(f.Value), nil
	case OpIlike:
		pattern, ok := f.Value.(string)
		if !ok {
			return "", fmt.Errorf("ilike pattern for %q is not a string", f.Column)
		}
		return "ilike." + strings.ReplaceAll(pattern, "%", "*"), nil
	case OpIn:
		parts := make([]string, 0, len(f.Values))
		for _, v := range f.Values {
			parts = append(parts, renderValue(v))
		}
		return "in.(" + strings.Join(parts, ",") + ")", nil
	case OpGt, OpGte, OpLt, OpLte:
		return string(f.Op) + "." + renderValue(f.Value), nil
	}
	return "", fmt.Errorf("unknown filter op %q", f.Op)
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GetColumns implements Adapter, probing one row and caching the key set.
func (a *RemoteAdapter) GetColumns(ctx context.Context, table string) ([]string, error) {
	if cols, ok := a.columns.Get(table); ok {
		return cols, nil
	}
	rows, err := a.Query(ctx, table, nil, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	a.columns.Add(table, cols)
	return cols, nil
}
