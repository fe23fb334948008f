package tenantdb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborbase/harborbase/internal/migrate"
)

// ProjectIDColumn is the column carrying the owning project on every
// project-scoped table.
const ProjectIDColumn = "project_id"

// Kind is the kind of a logical data operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindSelect Kind = "select"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// IsWrite reports whether the kind mutates data.
func (k Kind) IsWrite() bool { return k != KindSelect }

func (k Kind) valid() bool {
	switch k {
	case KindInsert, KindSelect, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Descriptor is one logical operation as supplied by the boundary layer.
// Ephemeral: constructed per call, never persisted.
//
// ProjectID is the preferred way to name the owning project; it always wins
// over anything inferred from columns or filters. The positional inference
// below it exists for callers that only carry the project id inside their
// column or filter data.
type Descriptor struct {
	ProjectID string

	Table string
	Kind  Kind

	// Columns and Params are the paired column/value lists for writes
	// (insert values, update set list).
	Columns []string
	Params  []any

	// FilterColumns and FilterParams are the paired equality filters for
	// select, update and delete.
	FilterColumns []string
	FilterParams  []any
}

// Result is what a routed operation produced.
type Result struct {
	Rows         []map[string]any `json:"rows,omitempty"`
	LastInsertID int64            `json:"last_insert_id,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
}

// Router is the entry point for all data operations. It resolves the owning
// database for a descriptor, borrows the handle from the registry, and
// executes through the retry wrapper.
type Router struct {
	reg  *Registry
	exec *Executor
	log  *zap.Logger
}

// NewRouter wires a router over the registry and executor.
func NewRouter(reg *Registry, exec *Executor, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{reg: reg, exec: exec, log: log}
}

var projectScoped = func() map[string]bool {
	m := make(map[string]bool)
	for _, t := range migrate.ProjectTables() {
		m[t] = true
	}
	return m
}()

// IsProjectScoped reports whether table lives in project databases.
func IsProjectScoped(table string) bool { return projectScoped[table] }

// Resolve determines the owning target for d without executing it.
//
// Precedence, in order: the explicit ProjectID field; for writes, a
// project_id entry in the column list (its paired parameter value); for
// select/update/delete, the first filter parameter that both looks like a
// project id and names a known project; otherwise the main database. An
// explicit ProjectID wins even when it conflicts with inferred values.
//
// A write against a project-scoped table that none of the rules can
// attribute fails with ErrRouting; it is never silently sent to main.
func (r *Router) Resolve(ctx context.Context, d *Descriptor) (string, error) {
	if d.ProjectID != "" {
		return d.ProjectID, nil
	}

	if d.Kind.IsWrite() {
		for i, col := range d.Columns {
			if col != ProjectIDColumn || i >= len(d.Params) {
				continue
			}
			if s, ok := d.Params[i].(string); ok && s != "" {
				return s, nil
			}
		}
	}

	if d.Kind != KindInsert {
		// First filter value that parses as a UUID and names a live
		// project wins; shape alone never routes away from main.
		for _, p := range d.FilterParams {
			s, ok := p.(string)
			if !ok || s == "" {
				continue
			}
			if _, err := uuid.Parse(s); err != nil {
				continue
			}
			if r.reg.IsProject(ctx, s) {
				return s, nil
			}
		}
	}

	if d.Kind.IsWrite() && IsProjectScoped(d.Table) {
		return "", ErrRouting.New("%s on project-scoped table %q carries no project id", d.Kind, d.Table)
	}
	return MainTarget, nil
}

// Execute resolves, routes and runs d, returning rows for selects and
// counts for writes.
func (r *Router) Execute(ctx context.Context, d *Descriptor) (*Result, error) {
	if err := validateDescriptor(d); err != nil {
		return nil, err
	}

	target, err := r.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	scoped := target != MainTarget && IsProjectScoped(d.Table)
	if scoped {
		enforceProjectScope(d, target)
	}

	query, args, err := buildQuery(d)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = r.exec.Do(ctx, target, func(ctx context.Context, h *Handle) error {
		res, err := runQuery(ctx, h.DB(), d.Kind, query, args)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if scoped && d.Kind.IsWrite() && d.Table != "changelog" {
		r.appendChangelog(ctx, target, d)
	}
	return result, nil
}

// enforceProjectScope guarantees every write carries the project id column
// and every filtered operation is pinned to the routed project.
func enforceProjectScope(d *Descriptor, target string) {
	if d.Kind == KindInsert {
		for i, col := range d.Columns {
			if col == ProjectIDColumn {
				// The stored column always matches the owning database,
				// even when the caller supplied a conflicting value.
				d.Params[i] = target
				return
			}
		}
		d.Columns = append(d.Columns, ProjectIDColumn)
		d.Params = append(d.Params, target)
		return
	}

	for _, col := range d.FilterColumns {
		if col == ProjectIDColumn {
			return
		}
	}
	d.FilterColumns = append(d.FilterColumns, ProjectIDColumn)
	d.FilterParams = append(d.FilterParams, target)
}

func validateDescriptor(d *Descriptor) error {
	if !d.Kind.valid() {
		return ErrRouting.New("unknown operation kind %q", d.Kind)
	}
	if !migrate.ValidIdent(d.Table) {
		return ErrRouting.New("invalid table name %q", d.Table)
	}
	for _, col := range d.Columns {
		if !migrate.ValidIdent(col) {
			return ErrRouting.New("invalid column name %q", col)
		}
	}
	for _, col := range d.FilterColumns {
		if !migrate.ValidIdent(col) {
			return ErrRouting.New("invalid filter column %q", col)
		}
	}
	if len(d.Columns) != len(d.Params) {
		return ErrRouting.New("column list and parameter list differ in length")
	}
	if len(d.FilterColumns) != len(d.FilterParams) {
		return ErrRouting.New("filter column list and parameter list differ in length")
	}
	switch d.Kind {
	case KindInsert, KindUpdate:
		if len(d.Columns) == 0 {
			return ErrRouting.New("%s requires at least one column", d.Kind)
		}
	}
	return nil
}

func buildQuery(d *Descriptor) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)

	switch d.Kind {
	case KindInsert:
		b.WriteString("INSERT INTO " + d.Table + " (")
		b.WriteString(strings.Join(d.Columns, ", "))
		b.WriteString(") VALUES (")
		b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(d.Columns)), ", "))
		b.WriteString(")")
		args = append(args, d.Params...)

	case KindSelect:
		b.WriteString("SELECT * FROM " + d.Table)

	case KindUpdate:
		b.WriteString("UPDATE " + d.Table + " SET ")
		for i, col := range d.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col + " = ?")
		}
		args = append(args, d.Params...)

	case KindDelete:
		b.WriteString("DELETE FROM " + d.Table)
	}

	if d.Kind != KindInsert && len(d.FilterColumns) > 0 {
		b.WriteString(" WHERE ")
		for i, col := range d.FilterColumns {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(col + " = ?")
		}
		args = append(args, d.FilterParams...)
	}

	return b.String(), args, nil
}

func runQuery(ctx context.Context, db *sql.DB, kind Kind, query string, args []any) (*Result, error) {
	if kind == KindSelect {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		scanned, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: scanned, RowsAffected: int64(len(scanned))}, nil
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := &Result{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if kind == KindInsert {
		if id, err := res.LastInsertId(); err == nil {
			out.LastInsertID = id
		}
	}
	return out, nil
}

// scanRows reads all rows into generic maps, converting []byte cells to
// strings for JSON friendliness.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, 8)
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := cells[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = cells[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// appendChangelog records a successful write in the project's changelog.
// Best effort: a changelog failure never fails the operation that caused
// it.
func (r *Router) appendChangelog(ctx context.Context, target string, d *Descriptor) {
	h, err := r.reg.Handle(ctx, target)
	if err != nil {
		return
	}
	_, err = h.DB().ExecContext(ctx,
		`INSERT INTO changelog (project_id, table_name, operation) VALUES (?, ?, ?)`,
		target, d.Table, string(d.Kind))
	if err != nil {
		r.log.Debug("changelog append failed",
			zap.String("project", target), zap.String("table", d.Table), zap.Error(err))
	}
}
