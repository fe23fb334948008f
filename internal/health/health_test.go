package health

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborbase/harborbase/internal/tenantdb"
)

func newTestService(t *testing.T) (*Service, *tenantdb.Registry) {
	t.Helper()
	reg, err := tenantdb.NewRegistry(context.Background(), tenantdb.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return NewService(nil), reg
}

func seedProject(t *testing.T, reg *tenantdb.Registry) string {
	t.Helper()
	id := uuid.New().String()
	h := mainHandle(t, reg)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := h.DB().Exec(
		`INSERT INTO projects (id, name, allowed_origin, created_at, updated_at) VALUES (?, 'test', '', ?, ?)`,
		id, now, now)
	require.NoError(t, err)
	return id
}

func mainHandle(t *testing.T, reg *tenantdb.Registry) *tenantdb.Handle {
	t.Helper()
	h, err := reg.Handle(context.Background(), tenantdb.MainTarget)
	require.NoError(t, err)
	return h
}

func TestCheck_FreshMainLacksAdmin(t *testing.T) {
	svc, reg := newTestService(t)
	h := mainHandle(t, reg)

	status := svc.Check(context.Background(), h)
	assert.True(t, status.Reachable)
	assert.Empty(t, status.MissingTables)
	assert.Empty(t, status.SchemaMismatches)
	assert.False(t, status.AdminExists)
	assert.False(t, status.Healthy())
}

func TestRepair_SeedsAdmin(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()
	h := mainHandle(t, reg)

	repairs, err := svc.Repair(ctx, h)
	require.NoError(t, err)

	var seeded *Repair
	for i := range repairs {
		if repairs[i].Kind == RepairSeedAdmin {
			seeded = &repairs[i]
		}
	}
	require.NotNil(t, seeded, "expected a seed_admin repair")
	require.NotEmpty(t, seeded.Credential)

	// The stored hash verifies against the surfaced credential.
	var hash string
	err = h.DB().QueryRowContext(ctx,
		`SELECT password_hash FROM admin_users WHERE email = ?`, seeded.Detail).Scan(&hash)
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(seeded.Credential)))

	status := svc.Check(ctx, h)
	assert.True(t, status.Healthy())

	// A second repair is a no-op; the credential never reappears.
	repairs, err = svc.Repair(ctx, h)
	require.NoError(t, err)
	for _, r := range repairs {
		assert.NotEqual(t, RepairSeedAdmin, r.Kind)
	}
}

func TestCheckAndRepair_MissingTable(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()
	h := mainHandle(t, reg)

	_, err := h.DB().ExecContext(ctx, `DROP TABLE sessions`)
	require.NoError(t, err)

	status := svc.Check(ctx, h)
	assert.Contains(t, status.MissingTables, "sessions")
	assert.False(t, status.Healthy())

	repairs, err := svc.Repair(ctx, h)
	require.NoError(t, err)

	recreated := false
	for _, r := range repairs {
		if r.Kind == RepairCreateTable && r.Detail == "sessions" {
			recreated = true
		}
	}
	assert.True(t, recreated, "expected sessions to be force-created")

	status = svc.Check(ctx, h)
	assert.Empty(t, status.MissingTables)
}

func TestCheckAndRepair_ProjectDatabase(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()

	id := seedProject(t, reg)
	h, err := reg.Handle(ctx, id)
	require.NoError(t, err)

	status := svc.Check(ctx, h)
	assert.True(t, status.Healthy())

	_, err = h.DB().ExecContext(ctx, `DROP TABLE files`)
	require.NoError(t, err)

	status = svc.Check(ctx, h)
	assert.Contains(t, status.MissingTables, "files")

	_, err = svc.Repair(ctx, h)
	require.NoError(t, err)

	status = svc.Check(ctx, h)
	assert.True(t, status.Healthy())
}

func TestRepair_UnreachableDatabase(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()

	h := mainHandle(t, reg)
	require.NoError(t, h.Close())

	_, err := svc.Repair(ctx, h)
	require.Error(t, err)
	assert.True(t, tenantdb.ErrConnection.Has(err))

	status := svc.Check(ctx, h)
	assert.False(t, status.Reachable)
	assert.False(t, status.Healthy())
}

func TestRepairHandle_SatisfiesRetryBridge(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()
	h := mainHandle(t, reg)

	_, err := h.DB().ExecContext(ctx, `DROP TABLE settings`)
	require.NoError(t, err)

	var _ tenantdb.Repairer = svc
	require.NoError(t, svc.RepairHandle(ctx, h))

	status := svc.Check(ctx, h)
	assert.NotContains(t, status.MissingTables, "settings")
}
