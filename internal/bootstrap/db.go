package bootstrap

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harborbase/harborbase/config"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

// OpenRegistry builds the connection registry: the optional Redis-backed
// project cache, then the main database (opened and migrated eagerly so
// the process fails fast on an unusable control plane).
func OpenRegistry(ctx context.Context, cfg *config.Config, log *zap.Logger) (*tenantdb.Registry, error) {
	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache is an accelerator, not a dependency.
			log.Warn("redis unreachable, project cache disabled", zap.Error(err))
			client = nil
		}
	}

	return tenantdb.NewRegistry(ctx, tenantdb.Options{
		DataDir: cfg.Database.DataDir,
		Logger:  log,
		Cache:   tenantdb.NewProjectCache(client, log),
	})
}
