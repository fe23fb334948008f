package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborbase/harborbase/internal/tenantdb"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	DB        string    `json:"db,omitempty"`
}

// HealthHandler answers the unauthenticated liveness probe. It reports
// overall health only; per-project detail lives behind the admin system
// endpoints.
type HealthHandler struct {
	serviceName string
	version     string
	reg         *tenantdb.Registry
}

func NewHealthHandler(serviceName, version string, reg *tenantdb.Registry) *HealthHandler {
	return &HealthHandler{
		serviceName: serviceName,
		version:     version,
		reg:         reg,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	dbStatus := "disabled"
	if h.reg != nil {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		dbStatus = "up"
		main, err := h.reg.Handle(pingCtx, tenantdb.MainTarget)
		if err != nil || main.Ping(pingCtx) != nil {
			dbStatus = "down"
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   h.serviceName,
		Version:   h.version,
		DB:        dbStatus,
	})
}

func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.HealthCheck)
}
