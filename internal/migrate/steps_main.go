package migrate

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mainTableSQL holds the create statement for every table expected in the
// main control-plane database. The health service uses the same statements
// to force-create a table that is still missing after migrations ran.
var mainTableSQL = map[string]string{
	"projects": `
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			allowed_origin TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
	"admin_users": `
		CREATE TABLE IF NOT EXISTS admin_users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	"sessions": `
		CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			admin_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	"settings": `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
}

// MainTables lists the tables every healthy main database must have.
func MainTables() []string {
	return []string{"projects", "admin_users", "sessions", "settings"}
}

// MainTableSQL returns the create statement for one main table, or "" for
// an unknown name.
func MainTableSQL(table string) string {
	return mainTableSQL[table]
}

// MainSteps is the migration history of the main database.
func MainSteps() []*Step {
	return []*Step{
		{
			Version:     1,
			Name:        "main_initial_schema",
			Description: "Create control-plane tables",
			Action: SQL{
				mainTableSQL["projects"],
				mainTableSQL["admin_users"],
				mainTableSQL["sessions"],
				mainTableSQL["settings"],
			},
		},
		{
			Version:     2,
			Name:        "main_rename_project_origin",
			Description: "Rename projects.origin to projects.allowed_origin",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return RenameColumnIfExists(ctx, tx, "projects", "origin", "allowed_origin")
			}),
		},
		{
			Version:     3,
			Name:        "main_session_expiry_text",
			Description: "Store session expiry as RFC3339 text instead of unix integers",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return CoerceColumnType(ctx, tx, "sessions", "expires_at", "TEXT")
			}),
		},
		{
			Version:     4,
			Name:        "main_indexes",
			Description: "Create lookup indexes on sessions and projects",
			Action: SQL{
				`CREATE INDEX IF NOT EXISTS idx_sessions_admin ON sessions(admin_id)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
				`CREATE INDEX IF NOT EXISTS idx_projects_deleted ON projects(deleted_at)`,
			},
		},
		{
			Version:     5,
			Name:        "main_seed_install_id",
			Description: "Seed a stable install identifier into settings",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return SeedRowIfEmpty(ctx, tx, "settings",
					`INSERT INTO settings (key, value) VALUES ('install_id', ?)`,
					uuid.New().String())
			}),
		},
	}
}
