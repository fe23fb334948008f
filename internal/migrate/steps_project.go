package migrate

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// projectTableSQL holds the create statement for every table expected in a
// project database. Each project-scoped table carries a project_id column.
var projectTableSQL = map[string]string{
	"users": `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			verified INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	"collections": `
		CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL UNIQUE,
			schema_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	"documents": `
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			collection TEXT NOT NULL DEFAULT 'default',
			title TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	"files": `
		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	"api_keys": `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			revoked_at TEXT
		)`,
	"changelog": `
		CREATE TABLE IF NOT EXISTS changelog (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
}

// ProjectTables lists the tables every healthy project database must have.
func ProjectTables() []string {
	return []string{"users", "collections", "documents", "files", "api_keys", "changelog"}
}

// ProjectTableSQL returns the create statement for one project table, or ""
// for an unknown name.
func ProjectTableSQL(table string) string {
	return projectTableSQL[table]
}

// ProjectSteps is the migration history of a project database. The owning
// project's id is baked into seed rows so every row in a project-scoped
// table carries it.
func ProjectSteps(projectID string) []*Step {
	return []*Step{
		{
			Version:     1,
			Name:        "project_initial_schema",
			Description: "Create project data tables",
			Action: SQL{
				projectTableSQL["users"],
				projectTableSQL["collections"],
				projectTableSQL["documents"],
				projectTableSQL["files"],
				projectTableSQL["api_keys"],
				projectTableSQL["changelog"],
			},
		},
		{
			Version:     2,
			Name:        "project_rename_api_key_column",
			Description: "Rename api_keys.key to api_keys.token_hash",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return RenameColumnIfExists(ctx, tx, "api_keys", "key", "token_hash")
			}),
		},
		{
			Version:     3,
			Name:        "project_document_data_text",
			Description: "Coerce documents.data to TEXT for JSON payloads",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return CoerceColumnType(ctx, tx, "documents", "data", "TEXT")
			}),
		},
		{
			Version:     4,
			Name:        "project_indexes",
			Description: "Create lookup indexes on documents, files and changelog",
			Action: SQL{
				`CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id)`,
				`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection)`,
				`CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id)`,
				`CREATE INDEX IF NOT EXISTS idx_changelog_created ON changelog(created_at)`,
			},
		},
		{
			Version:     5,
			Name:        "project_seed_default_collection",
			Description: "Seed the default collection when none exist",
			Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
				return SeedRowIfEmpty(ctx, tx, "collections",
					`INSERT INTO collections (id, project_id, name, created_at, updated_at)
					 VALUES (?, ?, 'default', datetime('now'), datetime('now'))`,
					uuid.New().String(), projectID)
			}),
		},
	}
}
