package tenantdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	projectKeyPrefix = "hb:project:" // Cached project row: hb:project:{project_id}
	projectCacheTTL  = 5 * time.Minute
)

// ProjectInfo is the slice of a project row the routing core needs.
type ProjectInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AllowedOrigin string `json:"allowed_origin,omitempty"`
}

// ProjectCache is an optional Redis-backed cache of the project directory,
// so hot-path project lookups skip the main database. All methods degrade
// to a miss when Redis is unavailable; the cache is never authoritative.
type ProjectCache struct {
	client *redis.Client
	log    *zap.Logger
}

// NewProjectCache wraps a Redis client. A nil client yields a cache whose
// lookups always miss, which keeps call sites unconditional.
func NewProjectCache(client *redis.Client, log *zap.Logger) *ProjectCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProjectCache{client: client, log: log}
}

// Get returns the cached project row, or ok=false on a miss.
func (c *ProjectCache) Get(ctx context.Context, projectID string) (ProjectInfo, bool) {
	if c == nil || c.client == nil {
		return ProjectInfo{}, false
	}
	data, err := c.client.Get(ctx, projectKeyPrefix+projectID).Result()
	if err == redis.Nil {
		return ProjectInfo{}, false
	}
	if err != nil {
		c.log.Debug("project cache get failed", zap.String("project", projectID), zap.Error(err))
		return ProjectInfo{}, false
	}
	var info ProjectInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return ProjectInfo{}, false
	}
	return info, true
}

// Put stores the project row with a TTL.
func (c *ProjectCache) Put(ctx context.Context, info ProjectInfo) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, projectKeyPrefix+info.ID, data, projectCacheTTL).Err(); err != nil {
		c.log.Debug("project cache put failed", zap.String("project", info.ID), zap.Error(err))
	}
}

// Invalidate drops the cached row, used when a project is renamed or
// deleted.
func (c *ProjectCache) Invalidate(ctx context.Context, projectID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, projectKeyPrefix+projectID).Err(); err != nil {
		c.log.Debug("project cache invalidate failed", zap.String("project", projectID), zap.Error(err))
	}
}
