// Package health inspects a database handle's structural state and drives
// it back to the expected shape: run migrations, force-create tables that
// are still missing, and seed a default admin when the main database has
// none.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborbase/harborbase/internal/migrate"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

// Status is a point-in-time structural report for one database. Recomputed
// on demand, never cached.
type Status struct {
	Target           string   `json:"target"`
	Reachable        bool     `json:"reachable"`
	MissingTables    []string `json:"missing_tables"`
	SchemaMismatches []string `json:"schema_mismatches"`

	// AdminExists is only meaningful for the main database.
	AdminExists bool `json:"admin_exists"`
}

// Healthy reports whether nothing structural is wrong with the database.
func (s *Status) Healthy() bool {
	ok := s.Reachable && len(s.MissingTables) == 0 && len(s.SchemaMismatches) == 0
	if s.Target == tenantdb.MainTarget {
		ok = ok && s.AdminExists
	}
	return ok
}

// Repair kinds reported by the service.
const (
	RepairMigration   = "migration"
	RepairCreateTable = "create_table"
	RepairSeedAdmin   = "seed_admin"
)

// Repair describes one remediation the service performed.
type Repair struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`

	// Credential carries the generated admin password exactly once, so the
	// caller can surface it to an operator. It is never persisted in the
	// clear.
	Credential string `json:"credential,omitempty"`
}

type columnSpec struct {
	column   string
	declType string
}

// requiredColumns are per-table column declarations a health check probes
// beyond bare table existence. These mirror the rename/coerce migrations.
var requiredColumns = map[string][]columnSpec{
	"projects":  {{"allowed_origin", "TEXT"}},
	"sessions":  {{"expires_at", "TEXT"}},
	"documents": {{"project_id", "TEXT"}, {"data", "TEXT"}},
	"api_keys":  {{"token_hash", "TEXT"}},
}

// Service implements health checks and auto-repair over handles borrowed
// from the registry.
type Service struct {
	log *zap.Logger
}

// NewService creates a health service.
func NewService(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log}
}

func expectedTables(target string) []string {
	if target == tenantdb.MainTarget {
		return migrate.MainTables()
	}
	return migrate.ProjectTables()
}

func tableSQL(target, table string) string {
	if target == tenantdb.MainTarget {
		return migrate.MainTableSQL(table)
	}
	return migrate.ProjectTableSQL(table)
}

func stepsFor(target string) []*migrate.Step {
	if target == tenantdb.MainTarget {
		return migrate.MainSteps()
	}
	return migrate.ProjectSteps(target)
}

// Check probes every expected table with a trivial query and verifies
// required singleton data. An unreachable database yields a status with
// Reachable=false rather than an error.
func (s *Service) Check(ctx context.Context, h *tenantdb.Handle) *Status {
	status := &Status{
		Target:           h.Target(),
		MissingTables:    []string{},
		SchemaMismatches: []string{},
	}

	if err := h.Ping(ctx); err != nil {
		return status
	}
	status.Reachable = true
	db := h.DB()

	for _, table := range expectedTables(h.Target()) {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`).Scan(&one)
		if err != nil && err != sql.ErrNoRows {
			if tenantdb.IsStructuralFault(err) {
				status.MissingTables = append(status.MissingTables, table)
			} else {
				status.SchemaMismatches = append(status.SchemaMismatches, table+": "+err.Error())
			}
			continue
		}

		for _, spec := range requiredColumns[table] {
			typ, cerr := migrate.ColumnType(ctx, db, table, spec.column)
			if cerr != nil {
				status.SchemaMismatches = append(status.SchemaMismatches,
					table+"."+spec.column+": "+cerr.Error())
				continue
			}
			if typ == "" {
				status.SchemaMismatches = append(status.SchemaMismatches,
					table+"."+spec.column+": missing column")
			} else if typ != spec.declType {
				status.SchemaMismatches = append(status.SchemaMismatches,
					table+"."+spec.column+": declared "+typ+", want "+spec.declType)
			}
		}
	}

	if h.Target() == tenantdb.MainTarget {
		status.AdminExists = s.adminExists(ctx, db)
	}
	return status
}

func (s *Service) adminExists(ctx context.Context, db *sql.DB) bool {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Repair converges a damaged database back to the expected shape: run the
// full migration set, force-create any table still missing afterwards, and
// seed a default admin into an adminless main database. Partial success is
// normal; only a completely unreachable database is fatal.
func (s *Service) Repair(ctx context.Context, h *tenantdb.Handle) ([]Repair, error) {
	if err := h.Ping(ctx); err != nil {
		return nil, tenantdb.ErrConnection.Wrap(err)
	}
	db := h.DB()
	repairs := []Repair{}

	engine := migrate.NewEngine(s.log.Named("repair").With(zap.String("target", h.Target())),
		stepsFor(h.Target()))
	results, err := engine.Apply(ctx, db)
	if err != nil && len(results) == 0 {
		return nil, tenantdb.ErrConnection.Wrap(err)
	}
	for _, res := range results {
		if res.Outcome == migrate.OutcomeApplied {
			repairs = append(repairs, Repair{Kind: RepairMigration, Detail: res.Name})
		}
	}

	for _, table := range expectedTables(h.Target()) {
		exists, terr := migrate.TableExists(ctx, db, table)
		if terr != nil || exists {
			continue
		}
		if _, cerr := db.ExecContext(ctx, tableSQL(h.Target(), table)); cerr != nil {
			s.log.Warn("force-create table failed",
				zap.String("target", h.Target()), zap.String("table", table), zap.Error(cerr))
			continue
		}
		repairs = append(repairs, Repair{Kind: RepairCreateTable, Detail: table})
	}

	if h.Target() == tenantdb.MainTarget && !s.adminExists(ctx, db) {
		if repair, serr := s.seedAdmin(ctx, db); serr != nil {
			s.log.Warn("seeding default admin failed", zap.Error(serr))
		} else {
			repairs = append(repairs, repair)
		}
	}

	return repairs, nil
}

// RepairHandle adapts Repair to the retry wrapper's Repairer contract.
func (s *Service) RepairHandle(ctx context.Context, h *tenantdb.Handle) error {
	_, err := s.Repair(ctx, h)
	return err
}

// seedAdmin creates a default admin principal with a generated credential.
// The plaintext password is returned in the repair record so the caller
// can surface it to an operator exactly once.
func (s *Service) seedAdmin(ctx context.Context, db *sql.DB) (Repair, error) {
	const email = "admin@localhost"
	password := uuid.New().String()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Repair{}, err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO admin_users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), email, string(hash), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return Repair{}, err
	}

	s.log.Info("seeded default admin user", zap.String("email", email))
	return Repair{Kind: RepairSeedAdmin, Detail: email, Credential: password}, nil
}
