package bootstrap

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	httpapi "github.com/harborbase/harborbase/internal/api/http"
	"github.com/harborbase/harborbase/internal/api/http/middleware"
	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/projects"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

type RouterDeps struct {
	ServiceName    string
	Version        string
	AdminToken     string
	AllowedOrigins []string

	Registry *tenantdb.Registry
	Executor *tenantdb.Executor
	Router   *tenantdb.Router
	Health   *health.Service
	Logger   *zap.Logger
}

func BuildRouter(dep RouterDeps) *gin.Engine {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Request-Id")
	// The configured list, plus each project's registered allowed origin.
	corsCfg.AllowOriginFunc = func(origin string) bool {
		for _, o := range dep.AllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		if dep.Registry == nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return dep.Registry.IsAllowedOrigin(ctx, origin)
	}
	r.Use(cors.New(corsCfg))

	healthHandler := httpapi.NewHealthHandler(dep.ServiceName, dep.Version, dep.Registry)
	healthHandler.RegisterRoutes(r)

	api := r.Group("/api/v1")
	api.Use(middleware.RequestID(dep.Logger))

	data := api.Group("/data")
	httpapi.NewDataHandler(dep.Router).RegisterRoutes(data)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminToken(dep.AdminToken))

	projectRepo := projects.NewRepo(dep.Registry, dep.Executor)
	projects.Register(admin.Group("/projects"), projectRepo)

	httpapi.NewSystemHandler(dep.Registry, dep.Health).RegisterRoutes(admin)

	return r
}
