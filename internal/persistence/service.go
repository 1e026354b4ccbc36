package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Unset is the sentinel for fields that should be dropped before a record
// reaches the adapter. Callers place it where a value is intentionally
// absent, as opposed to an explicit null.
var Unset = unsetMarker{}

type unsetMarker struct{}

// ServiceConfig carries the allowlists enforced on every operation.
type ServiceConfig struct {
	ReadTables  []string
	WriteTables []string
	DenyTables  []string // governance tables, never writable
}

// Service is the single choke point for table access. Every call checks the
// relevant allowlist, strips unset fields, runs under instrumentation, and
// returns classified errors.
type Service struct {
	adapter Adapter
	logger  *zap.Logger
	metrics *Instrumentation
	read    map[string]struct{}
	write   map[string]struct{}
}

// NewService builds a Service over adapter. It fails when the write
// allowlist is not a subset of the read allowlist or names a denied table.
func NewService(adapter Adapter, cfg ServiceConfig, logger *zap.Logger) (*Service, error) {
	read := toSet(cfg.ReadTables)
	write := toSet(cfg.WriteTables)
	deny := toSet(cfg.DenyTables)

	for t := range write {
		if _, ok := read[t]; !ok {
			return nil, fmt.Errorf("persistence: write table %q not in read allowlist", t)
		}
		if _, ok := deny[t]; ok {
			return nil, fmt.Errorf("persistence: governance table %q cannot be writable", t)
		}
	}

	return &Service{
		adapter: adapter,
		logger:  logger.Named("persistence"),
		metrics: NewInstrumentation(),
		read:    read,
		write:   write,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Metrics exposes the accumulated per-operation stats.
func (s *Service) Metrics() *Instrumentation { return s.metrics }

// Capabilities reports the underlying adapter's capabilities.
func (s *Service) Capabilities() Capabilities { return s.adapter.Capabilities() }

// CanWrite reports whether table is in the write allowlist.
func (s *Service) CanWrite(table string) bool {
	_, ok := s.write[table]
	return ok
}

func (s *Service) checkRead(op, table string) error {
	if _, ok := s.read[table]; !ok {
		return &TableNotAllowedError{Op: op, Table: table, List: "read"}
	}
	return nil
}

func (s *Service) checkWrite(op, table string) error {
	if _, ok := s.write[table]; !ok {
		return &TableNotAllowedError{Op: op, Table: table, List: "write"}
	}
	return nil
}

// stripUnset drops fields carrying the Unset sentinel.
func stripUnset(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if _, skip := v.(unsetMarker); skip {
			continue
		}
		out[k] = v
	}
	return out
}

// wrapErr classifies an adapter failure. Already-typed errors pass through
// untouched so the caller sees the original kind.
func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *AdapterError, *PermissionError, *TableNotAllowedError, *ValidationError:
		return err
	}
	return &AdapterError{Op: op, Table: table, Transient: true, Cause: err}
}

func (s *Service) observe(op, table string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.Record(op, table, elapsed, err != nil)
	if err != nil {
		s.logger.Warn("operation failed",
			zap.String("op", op),
			zap.String("table", table),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}
	s.logger.Debug("operation complete",
		zap.String("op", op),
		zap.String("table", table),
		zap.Duration("elapsed", elapsed))
}

// Write inserts one record.
func (s *Service) Write(ctx context.Context, table string, record map[string]interface{}) (map[string]interface{}, error) {
	if err := s.checkWrite("write", table); err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, &ValidationError{Op: "write", Table: table, Reason: "empty record"}
	}
	start := time.Now()
	row, err := s.adapter.Write(ctx, table, stripUnset(record))
	err = wrapErr("write", table, err)
	s.observe("write", table, start, err)
	return row, err
}

// BatchWrite inserts a batch of records.
func (s *Service) BatchWrite(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	if err := s.checkWrite("batch_write", table); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &ValidationError{Op: "batch_write", Table: table, Reason: "empty batch"}
	}
	cleaned := make([]map[string]interface{}, 0, len(records))
	for i, r := range records {
		if len(r) == 0 {
			return nil, &ValidationError{Op: "batch_write", Table: table,
				Reason: fmt.Sprintf("empty record at index %d", i)}
		}
		cleaned = append(cleaned, stripUnset(r))
	}
	start := time.Now()
	rows, err := s.adapter.BatchWrite(ctx, table, cleaned)
	err = wrapErr("batch_write", table, err)
	s.observe("batch_write", table, start, err)
	return rows, err
}

// Upsert inserts or merges one record keyed by onConflict columns.
func (s *Service) Upsert(ctx context.Context, table string, record map[string]interface{}, onConflict []string) (map[string]interface{}, error) {
	if err := s.checkWrite("upsert", table); err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, &ValidationError{Op: "upsert", Table: table, Reason: "empty record"}
	}
	cleaned := stripUnset(record)
	for _, col := range onConflict {
		if _, ok := cleaned[col]; !ok {
			return nil, &ValidationError{Op: "upsert", Table: table,
				Reason: fmt.Sprintf("on_conflict column %q missing from record", col)}
		}
	}
	start := time.Now()
	row, err := s.adapter.Upsert(ctx, table, cleaned, onConflict)
	err = wrapErr("upsert", table, err)
	s.observe("upsert", table, start, err)
	return row, err
}

// Read fetches one row by id. A missing row returns (nil, nil).
func (s *Service) Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error) {
	if err := s.checkRead("read", table); err != nil {
		return nil, err
	}
	start := time.Now()
	row, err := s.adapter.Read(ctx, table, id, idCol)
	err = wrapErr("read", table, err)
	s.observe("read", table, start, err)
	return row, err
}

// Query fetches rows matching filters.
func (s *Service) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error) {
	if err := s.checkRead("query", table); err != nil {
		return nil, err
	}
	if err := CheckSupported(filters, s.adapter.Capabilities()); err != nil {
		return nil, &ValidationError{Op: "query", Table: table, Reason: err.Error()}
	}
	start := time.Now()
	rows, err := s.adapter.Query(ctx, table, filters, opts)
	err = wrapErr("query", table, err)
	s.observe("query", table, start, err)
	return rows, err
}

// GetColumns reports the table's column names, or nil when unknown.
func (s *Service) GetColumns(ctx context.Context, table string) ([]string, error) {
	if err := s.checkRead("get_columns", table); err != nil {
		return nil, err
	}
	start := time.Now()
	cols, err := s.adapter.GetColumns(ctx, table)
	err = wrapErr("get_columns", table, err)
	s.observe("get_columns", table, start, err)
	return cols, err
}
