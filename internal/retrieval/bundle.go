package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentic-task-fabric/internal/persistence"
)

// ContextBundle assembles a bounded, stable text block from recent rows of
// several read-allowed tables. The reasoning fallback hands it to the model
// as grounding.
type ContextBundle struct {
	reader      persistence.Reader
	tables      []string
	rowsPerType int
}

// NewContextBundle bounds the bundle to rowsPerType rows from each table.
func NewContextBundle(reader persistence.Reader, tables []string, rowsPerType int) *ContextBundle {
	if rowsPerType <= 0 {
		rowsPerType = 5
	}
	return &ContextBundle{reader: reader, tables: tables, rowsPerType: rowsPerType}
}

// Render fetches the bundle and formats it deterministically: tables in
// configured order, row keys sorted. Tables that fail to read are skipped.
func (b *ContextBundle) Render(ctx context.Context) string {
	var sb strings.Builder
	for _, table := range b.tables {
		rows, err := b.reader.Query(ctx, table, nil, persistence.QueryOptions{
			Limit: b.rowsPerType, OrderBy: "id", Desc: true,
		})
		if err != nil || len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", table)
		for _, row := range rows {
			keys := make([]string, 0, len(row))
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
			}
			sb.WriteString("- " + strings.Join(parts, " ") + "\n")
		}
	}
	return sb.String()
}
