package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEngineApply_MainSteps(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(zap.NewNop(), MainSteps())

	t.Run("fresh database applies every step", func(t *testing.T) {
		results, err := engine.Apply(ctx, db)
		require.NoError(t, err)
		require.Len(t, results, len(MainSteps()))
		for _, res := range results {
			assert.Equal(t, OutcomeApplied, res.Outcome, res.Name)
		}

		for _, table := range MainTables() {
			exists, err := TableExists(ctx, db, table)
			require.NoError(t, err)
			assert.True(t, exists, table)
		}

		var installID string
		err = db.QueryRowContext(ctx,
			`SELECT value FROM settings WHERE key = 'install_id'`).Scan(&installID)
		require.NoError(t, err)
		assert.NotEmpty(t, installID)
	})

	t.Run("second run skips everything", func(t *testing.T) {
		results, err := engine.Apply(ctx, db)
		require.NoError(t, err)
		for _, res := range results {
			assert.Equal(t, OutcomeSkipped, res.Outcome, res.Name)
		}
	})
}

func TestEngineApply_ContinueOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	boom := errors.New("boom")
	flaky := true
	steps := []*Step{
		{Version: 1, Name: "create_widgets", Action: SQL{
			`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		}},
		{Version: 2, Name: "flaky_step", Action: Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
			if flaky {
				return boom
			}
			return nil
		})},
		{Version: 3, Name: "create_gadgets", Action: SQL{
			`CREATE TABLE gadgets (id INTEGER PRIMARY KEY)`,
		}},
	}
	engine := NewEngine(zap.NewNop(), steps)

	results, err := engine.Apply(ctx, db)
	require.Error(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.Contains(t, results[1].Err, "boom")
	assert.Equal(t, OutcomeApplied, results[2].Outcome)

	// The step after the failure still committed.
	exists, err := TableExists(ctx, db, "gadgets")
	require.NoError(t, err)
	assert.True(t, exists)

	// A failed step stays eligible and converges on the next run.
	flaky = false
	results, err = engine.Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, OutcomeApplied, results[1].Outcome)
	assert.Equal(t, OutcomeSkipped, results[2].Outcome)
}

func TestEngineApply_RejectsBadStepLists(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	t.Run("out of order", func(t *testing.T) {
		engine := NewEngine(zap.NewNop(), []*Step{
			{Version: 2, Name: "b", Action: SQL{}},
			{Version: 1, Name: "a", Action: SQL{}},
		})
		_, err := engine.Apply(ctx, db)
		require.Error(t, err)
	})

	t.Run("duplicate version", func(t *testing.T) {
		engine := NewEngine(zap.NewNop(), []*Step{
			{Version: 1, Name: "a", Action: SQL{}},
			{Version: 1, Name: "b", Action: SQL{}},
		})
		_, err := engine.Apply(ctx, db)
		require.Error(t, err)
	})
}

func TestRenameColumnIfExists(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE things (id TEXT PRIMARY KEY, origin TEXT)`)
	require.NoError(t, err)

	rename := func() {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, RenameColumnIfExists(ctx, tx, "things", "origin", "allowed_origin"))
		require.NoError(t, tx.Commit())
	}

	rename()
	typ, err := ColumnType(ctx, db, "things", "allowed_origin")
	require.NoError(t, err)
	assert.Equal(t, "TEXT", typ)

	typ, err = ColumnType(ctx, db, "things", "origin")
	require.NoError(t, err)
	assert.Empty(t, typ)

	// Idempotent once the new name exists.
	rename()
}

func TestCoerceColumnType(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE events (id TEXT PRIMARY KEY, expires_at INTEGER)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO events (id, expires_at) VALUES ('a', 42)`)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, CoerceColumnType(ctx, tx, "events", "expires_at", "TEXT"))
	require.NoError(t, tx.Commit())

	typ, err := ColumnType(ctx, db, "events", "expires_at")
	require.NoError(t, err)
	assert.Equal(t, "TEXT", typ)

	var v string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT expires_at FROM events WHERE id = 'a'`).Scan(&v))
	assert.Equal(t, "42", v)
}

func TestSeedRowIfEmpty(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)

	seed := func(value string) {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, SeedRowIfEmpty(ctx, tx, "settings",
			`INSERT INTO settings (key, value) VALUES ('k', ?)`, value))
		require.NoError(t, tx.Commit())
	}

	seed("first")
	seed("second")

	var v string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'k'`).Scan(&v))
	assert.Equal(t, "first", v)
}

func TestValidIdent(t *testing.T) {
	assert.True(t, ValidIdent("documents"))
	assert.True(t, ValidIdent("_migrations"))
	assert.True(t, ValidIdent("api_keys"))
	assert.False(t, ValidIdent("Documents"))
	assert.False(t, ValidIdent("drop table"))
	assert.False(t, ValidIdent("docs;--"))
	assert.False(t, ValidIdent(""))
}
