// Package migrate applies versioned, idempotent schema migrations to a
// SQLite database and records what has run in a per-database table.
//
// Every database managed by the service (the main control-plane database
// and each project database) tracks its own applied-migration set in a
// `_migrations` table, so databases created at different times all converge
// to the same schema.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// RecordsTable is the per-database table holding applied-migration records.
const RecordsTable = "_migrations"

// Error is the class for migration failures that abort the whole run
// (records table unreachable, invalid step list).
var Error = errs.Class("migrate")

// Outcome describes what happened to a single step during an Apply run.
type Outcome string

const (
	// OutcomeApplied means the step ran and committed.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the step had already been applied earlier.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the step failed and was rolled back. The rest of
	// the run continues; the failure is reported in the result list.
	OutcomeFailed Outcome = "failed"
)

// Step is a single schema transformation. Versions are unique and strictly
// increasing across a step list. Step bodies must be idempotent: repair
// flows may re-run a step whose record was lost.
type Step struct {
	Version     int
	Name        string
	Description string
	Action      Action
}

// Action is the body of a migration step, executed inside a transaction
// scoped to that step alone.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL is an Action made of raw statements executed in order.
type SQL []string

// Run executes each statement inside the step transaction.
func (s SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range s {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary Action.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run executes the function inside the step transaction.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

// StepResult reports the outcome of one step from an Apply run.
type StepResult struct {
	Version  int           `json:"version"`
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// Engine applies an ordered step list to database handles.
type Engine struct {
	steps []*Step
	log   *zap.Logger
}

// NewEngine creates an engine for the given step list. The list is
// validated on first Apply.
func NewEngine(log *zap.Logger, steps []*Step) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{steps: steps, log: log}
}

// Steps returns the engine's step list in version order.
func (e *Engine) Steps() []*Step {
	return e.steps
}

// validateSteps checks that versions are unique and strictly increasing.
func (e *Engine) validateSteps() error {
	sorted := sort.SliceIsSorted(e.steps, func(i, j int) bool {
		return e.steps[i].Version < e.steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	for i := 1; i < len(e.steps); i++ {
		if e.steps[i].Version == e.steps[i-1].Version {
			return Error.New("duplicate step version %d", e.steps[i].Version)
		}
	}
	return nil
}

// Apply runs every step not yet applied to db, in version order.
//
// Each step runs inside its own transaction; a failing step is rolled back,
// logged, and recorded, and the run continues with the next step
// (continue-on-error). The returned error is non-nil when at least one step
// failed or when the records table itself could not be reached; the result
// list always reflects everything that was attempted, so the caller decides
// severity.
func (e *Engine) Apply(ctx context.Context, db *sql.DB) ([]StepResult, error) {
	if err := e.validateSteps(); err != nil {
		return nil, err
	}
	if err := e.ensureRecordsTable(ctx, db); err != nil {
		return nil, Error.New("creating records table: %w", err)
	}

	applied, err := e.appliedVersions(ctx, db)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	results := make([]StepResult, 0, len(e.steps))
	failed := 0

	for _, step := range e.steps {
		if applied[step.Version] {
			results = append(results, StepResult{
				Version: step.Version,
				Name:    step.Name,
				Outcome: OutcomeSkipped,
			})
			continue
		}

		start := time.Now()
		stepLog := e.log.With(zap.Int("version", step.Version), zap.String("migration", step.Name))

		err := e.runStep(ctx, db, stepLog, step)
		res := StepResult{
			Version:  step.Version,
			Name:     step.Name,
			Outcome:  OutcomeApplied,
			Duration: time.Since(start),
		}
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err.Error()
			failed++
			stepLog.Warn("migration step failed", zap.Error(err))
			e.recordOutcome(ctx, db, step, OutcomeFailed)
		} else {
			stepLog.Info("migration step applied", zap.Duration("took", res.Duration))
		}
		results = append(results, res)
	}

	if failed > 0 {
		return results, Error.New("%d of %d migration steps failed", failed, len(e.steps))
	}
	return results, nil
}

// runStep executes one step and its record insert in a single transaction.
func (e *Engine) runStep(ctx context.Context, db *sql.DB, log *zap.Logger, step *Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := step.Action.Run(ctx, log, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+RecordsTable+` (version, name, outcome, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			name = excluded.name,
			outcome = excluded.outcome,
			applied_at = excluded.applied_at`,
		step.Version, step.Name, string(OutcomeApplied), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// recordOutcome stores a non-applied outcome outside the step transaction.
// A failed record never counts as applied, so the step is retried on the
// next run.
func (e *Engine) recordOutcome(ctx context.Context, db *sql.DB, step *Step, outcome Outcome) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO `+RecordsTable+` (version, name, outcome, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			outcome = excluded.outcome,
			applied_at = excluded.applied_at`,
		step.Version, step.Name, string(outcome), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		e.log.Warn("failed to record migration outcome",
			zap.Int("version", step.Version), zap.Error(err))
	}
}

func (e *Engine) ensureRecordsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+RecordsTable+` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	return err
}

// appliedVersions loads the set of versions that fully applied. Failed
// attempts remain eligible for re-application.
func (e *Engine) appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT version FROM `+RecordsTable+` WHERE outcome = ?`, string(OutcomeApplied))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

var validIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether name is safe to interpolate as a SQL
// identifier.
func ValidIdent(name string) bool {
	return validIdent.MatchString(name)
}

// querier is the subset of *sql.DB / *sql.Tx used by the schema helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TableExists reports whether a table is present in the database.
func TableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ColumnType returns the declared type of a column, or "" when the column
// does not exist.
func ColumnType(ctx context.Context, q querier, table, column string) (string, error) {
	if !ValidIdent(table) {
		return "", Error.New("invalid table name: %q", table)
	}
	rows, err := q.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		if name == column {
			return typ, nil
		}
	}
	return "", rows.Err()
}

// RenameColumnIfExists renames a column when it is still present under its
// old name. A no-op when the table or old column is absent, or when the new
// name already exists, which keeps the step idempotent.
func RenameColumnIfExists(ctx context.Context, tx *sql.Tx, table, oldName, newName string) error {
	if !ValidIdent(table) || !ValidIdent(oldName) || !ValidIdent(newName) {
		return Error.New("invalid identifier in rename %s.%s -> %s", table, oldName, newName)
	}
	exists, err := TableExists(ctx, tx, table)
	if err != nil || !exists {
		return err
	}
	oldType, err := ColumnType(ctx, tx, table, oldName)
	if err != nil {
		return err
	}
	newType, err := ColumnType(ctx, tx, table, newName)
	if err != nil {
		return err
	}
	if oldType == "" || newType != "" {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`ALTER TABLE `+table+` RENAME COLUMN `+oldName+` TO `+newName)
	return err
}

// CoerceColumnType rebuilds a table column under a new declared type when
// the current declaration differs. SQLite cannot alter a column type in
// place, so the value is copied through a temporary column.
func CoerceColumnType(ctx context.Context, tx *sql.Tx, table, column, wantType string) error {
	if !ValidIdent(table) || !ValidIdent(column) {
		return Error.New("invalid identifier in coerce %s.%s", table, column)
	}
	cur, err := ColumnType(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if cur == "" || cur == wantType {
		return nil
	}

	tmp := column + "_coerced"
	stmts := []string{
		`ALTER TABLE ` + table + ` ADD COLUMN ` + tmp + ` ` + wantType,
		`UPDATE ` + table + ` SET ` + tmp + ` = CAST(` + column + ` AS ` + wantType + `)`,
		`ALTER TABLE ` + table + ` DROP COLUMN ` + column,
		`ALTER TABLE ` + table + ` RENAME COLUMN ` + tmp + ` TO ` + column,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SeedRowIfEmpty inserts a default row when the table has no rows yet.
func SeedRowIfEmpty(ctx context.Context, tx *sql.Tx, table, insertSQL string, args ...any) error {
	if !ValidIdent(table) {
		return Error.New("invalid table name: %q", table)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, insertSQL, args...)
	return err
}
