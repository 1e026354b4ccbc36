package persistence

import "context"

// Reader is the read-only surface handed to retrieval workers.
type Reader interface {
	Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error)
	Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error)
	GetColumns(ctx context.Context, table string) ([]string, error)
	Capabilities() Capabilities
}

// ReadOnlyFacade forwards reads to a Service and rejects every write-shaped
// call before the service is touched. Construct it over a service whose
// write allowlist is empty.
type ReadOnlyFacade struct {
	svc *Service
}

// NewReadOnlyFacade wraps svc in a read-only surface.
func NewReadOnlyFacade(svc *Service) *ReadOnlyFacade {
	return &ReadOnlyFacade{svc: svc}
}

// Read forwards to the service.
func (f *ReadOnlyFacade) Read(ctx context.Context, table string, id interface{}, idCol string) (map[string]interface{}, error) {
	return f.svc.Read(ctx, table, id, idCol)
}

// Query forwards to the service.
func (f *ReadOnlyFacade) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]map[string]interface{}, error) {
	return f.svc.Query(ctx, table, filters, opts)
}

// GetColumns forwards to the service.
func (f *ReadOnlyFacade) GetColumns(ctx context.Context, table string) ([]string, error) {
	return f.svc.GetColumns(ctx, table)
}

// Capabilities forwards to the service.
func (f *ReadOnlyFacade) Capabilities() Capabilities {
	return f.svc.Capabilities()
}

// Write always fails with a PermissionError.
func (f *ReadOnlyFacade) Write(ctx context.Context, table string, record map[string]interface{}) (map[string]interface{}, error) {
	return nil, &PermissionError{Op: "write", Table: table}
}

// BatchWrite always fails with a PermissionError.
func (f *ReadOnlyFacade) BatchWrite(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	return nil, &PermissionError{Op: "batch_write", Table: table}
}

// Upsert always fails with a PermissionError.
func (f *ReadOnlyFacade) Upsert(ctx context.Context, table string, record map[string]interface{}, onConflict []string) (map[string]interface{}, error) {
	return nil, &PermissionError{Op: "upsert", Table: table}
}
