package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

// SystemHandler exposes the admin-only database health and repair
// endpoints.
type SystemHandler struct {
	reg         *tenantdb.Registry
	svc         *health.Service
	repairLimit *rate.Limiter
}

func NewSystemHandler(reg *tenantdb.Registry, svc *health.Service) *SystemHandler {
	return &SystemHandler{
		reg: reg,
		svc: svc,
		// A repair touches every table; one per second is plenty.
		repairLimit: rate.NewLimiter(rate.Limit(1), 2),
	}
}

// RegisterRoutes mounts the system routes on an admin-guarded group.
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/system/db-health", h.dbHealth)
	rg.POST("/system/db-repair", h.dbRepair)
}

type projectHealth struct {
	ProjectID string `json:"project_id"`
	Reachable bool   `json:"reachable"`
	Missing   int    `json:"missing_tables"`
	Mismatch  int    `json:"schema_mismatches"`
}

func (h *SystemHandler) dbHealth(c *gin.Context) {
	ctx := c.Request.Context()

	main, err := h.reg.Handle(ctx, tenantdb.MainTarget)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
		return
	}
	mainStatus := h.svc.Check(ctx, main)

	ids, err := h.reg.ProjectIDs(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	summaries := make([]projectHealth, 0, len(ids))
	for _, id := range ids {
		ph := projectHealth{ProjectID: id}
		if handle, herr := h.reg.Handle(ctx, id); herr == nil {
			st := h.svc.Check(ctx, handle)
			ph.Reachable = st.Reachable
			ph.Missing = len(st.MissingTables)
			ph.Mismatch = len(st.SchemaMismatches)
		}
		summaries = append(summaries, ph)
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"main":     mainStatus,
		"projects": summaries,
	})
}

type repairReq struct {
	ProjectID string `json:"project_id"`
}

func (h *SystemHandler) dbRepair(c *gin.Context) {
	if !h.repairLimit.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "repair already in progress"})
		return
	}

	var req repairReq
	// An empty body means main only.
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()

	main, err := h.reg.Handle(ctx, tenantdb.MainTarget)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
		return
	}
	repairs, err := h.svc.Repair(ctx, main)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
		return
	}

	resp := gin.H{"ok": true, "main": repairs}

	if req.ProjectID != "" {
		handle, herr := h.reg.Handle(ctx, req.ProjectID)
		if herr != nil {
			c.JSON(statusFor(herr), gin.H{"ok": false, "error": herr.Error(), "main": repairs})
			return
		}
		projectRepairs, rerr := h.svc.Repair(ctx, handle)
		if rerr != nil {
			c.JSON(statusFor(rerr), gin.H{"ok": false, "error": rerr.Error(), "main": repairs})
			return
		}
		resp["project"] = projectRepairs
	}

	c.JSON(http.StatusOK, resp)
}

// statusFor maps the core's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case tenantdb.ErrRouting.Has(err):
		return http.StatusBadRequest
	case tenantdb.ErrProvisioning.Has(err):
		return http.StatusNotFound
	case tenantdb.ErrNotFound.Has(err):
		return http.StatusNotFound
	case tenantdb.ErrDuplicate.Has(err):
		return http.StatusConflict
	case tenantdb.ErrConnection.Has(err):
		return http.StatusServiceUnavailable
	case tenantdb.ErrSchema.Has(err):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
