package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

func newSystemStack(t *testing.T) (*gin.Engine, *tenantdb.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := tenantdb.NewRegistry(context.Background(), tenantdb.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	engine := gin.New()
	NewSystemHandler(reg, health.NewService(nil)).RegisterRoutes(engine.Group("/api/v1/admin"))
	return engine, reg
}

func TestSystemHandler_DBHealth(t *testing.T) {
	engine, reg := newSystemStack(t)
	id := seedProject(t, reg)

	// Provision the project so the report covers a live handle.
	_, err := reg.Handle(context.Background(), id)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/system/db-health", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK   bool `json:"ok"`
		Main struct {
			Target      string `json:"target"`
			Reachable   bool   `json:"reachable"`
			AdminExists bool   `json:"admin_exists"`
		} `json:"main"`
		Projects []struct {
			ProjectID string `json:"project_id"`
			Reachable bool   `json:"reachable"`
			Missing   int    `json:"missing_tables"`
		} `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, tenantdb.MainTarget, resp.Main.Target)
	assert.True(t, resp.Main.Reachable)
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, id, resp.Projects[0].ProjectID)
	assert.True(t, resp.Projects[0].Reachable)
	assert.Zero(t, resp.Projects[0].Missing)
}

func TestSystemHandler_DBRepair(t *testing.T) {
	engine, reg := newSystemStack(t)

	// Fresh main has no admin; the first repair seeds one.
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/system/db-repair", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK   bool `json:"ok"`
		Main []struct {
			Kind       string `json:"kind"`
			Credential string `json:"credential"`
		} `json:"main"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)

	seeded := false
	for _, r := range resp.Main {
		if r.Kind == health.RepairSeedAdmin {
			seeded = true
			assert.NotEmpty(t, r.Credential)
		}
	}
	assert.True(t, seeded, "expected the repair to seed an admin")

	main, err := reg.Handle(context.Background(), tenantdb.MainTarget)
	require.NoError(t, err)
	var n int
	require.NoError(t, main.DB().QueryRow(`SELECT COUNT(*) FROM admin_users`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSystemHandler_DBRepairUnknownProject(t *testing.T) {
	engine, _ := newSystemStack(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/admin/system/db-repair",
		gin.H{"project_id": uuid.New().String()})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestSystemHandler_DBRepairRateLimited(t *testing.T) {
	engine, _ := newSystemStack(t)

	// Burst is 2; the third immediate call is rejected.
	sawLimit := false
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/system/db-repair", nil))
		if w.Code == http.StatusTooManyRequests {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{tenantdb.ErrRouting.New("x"), http.StatusBadRequest},
		{tenantdb.ErrProvisioning.New("x"), http.StatusNotFound},
		{tenantdb.ErrNotFound.New("x"), http.StatusNotFound},
		{tenantdb.ErrDuplicate.New("x"), http.StatusConflict},
		{tenantdb.ErrConnection.New("x"), http.StatusServiceUnavailable},
		{tenantdb.ErrSchema.New("x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err))
	}
}
