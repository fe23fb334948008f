package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/harborbase/harborbase/internal/migrate"
)

// Options configures a Registry.
type Options struct {
	// DataDir is the directory holding main.db and projects/<id>.db.
	DataDir string

	// Logger is threaded into migrations and lifecycle logging.
	Logger *zap.Logger

	// Cache is an optional Redis-backed project directory cache.
	Cache *ProjectCache
}

// Registry owns the handle to the main database and one handle per project
// database, created lazily on first access. It is the only holder of
// mutable shared connection state; everything else borrows handles through
// it. Created at process start, torn down with Close at shutdown.
type Registry struct {
	dataDir string
	log     *zap.Logger
	cache   *ProjectCache

	mainEngine *migrate.Engine

	mu      sync.Mutex
	handles map[string]*Handle
	locks   map[string]*sync.Mutex
	closed  bool
}

// NewRegistry opens the main database, migrates it, and returns a ready
// registry. Project databases are provisioned lazily by Handle.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Registry{
		dataDir:    opts.DataDir,
		log:        opts.Logger,
		cache:      opts.Cache,
		mainEngine: migrate.NewEngine(opts.Logger.Named("migrate"), migrate.MainSteps()),
		handles:    make(map[string]*Handle),
		locks:      make(map[string]*sync.Mutex),
	}

	main, err := openHandle(MainTarget, r.mainPath())
	if err != nil {
		return nil, ErrConnection.Wrap(err)
	}

	results, err := r.mainEngine.Apply(ctx, main.DB())
	if err != nil {
		if len(results) == 0 {
			_ = main.Close()
			return nil, err
		}
		// Individual step failures degrade softly; the repair service gets
		// another shot at convergence.
		r.log.Warn("main database migrations incomplete", zap.Error(err))
	}

	r.handles[MainTarget] = main
	return r, nil
}

// DataDir returns the registry's data directory.
func (r *Registry) DataDir() string { return r.dataDir }

func (r *Registry) mainPath() string {
	return filepath.Join(r.dataDir, "main.db")
}

func (r *Registry) projectPath(projectID string) string {
	return filepath.Join(r.dataDir, "projects", projectID+".db")
}

// Handle returns a ready handle for target (MainTarget or a project id),
// provisioning the backing file and schema on first access. Concurrent
// first-accesses for the same unseen target collapse into a single
// provisioning run behind a per-target lock, so provisioning one project
// never blocks another project's already-open handle.
func (r *Registry) Handle(ctx context.Context, target string) (*Handle, error) {
	if target == "" {
		target = MainTarget
	}

	if h := r.open(target); h != nil {
		h.touch()
		return h, nil
	}

	lock := r.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	if h := r.open(target); h != nil {
		h.touch()
		return h, nil
	}
	return r.provision(ctx, target)
}

// Reopen discards the current handle for target and opens a fresh one. The
// retry wrapper calls this on connection-class failures.
func (r *Registry) Reopen(ctx context.Context, target string) (*Handle, error) {
	if target == "" {
		target = MainTarget
	}

	r.mu.Lock()
	h := r.handles[target]
	delete(r.handles, target)
	r.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	return r.Handle(ctx, target)
}

// open returns the registered usable handle for target, or nil.
func (r *Registry) open(target string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[target]
	if h == nil || h.Closed() {
		return nil
	}
	return h
}

// targetLock returns the per-target acquisition lock, creating it on first
// use. A global lock here would serialize provisioning across unrelated
// projects.
func (r *Registry) targetLock(target string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[target] = lock
	}
	return lock
}

// provision opens target's database, creating file and schema on first
// access. Caller must hold the target lock.
func (r *Registry) provision(ctx context.Context, target string) (*Handle, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrConnection.New("registry is closed")
	}

	path := r.mainPath()
	if target != MainTarget {
		info, err := r.LookupProject(ctx, target)
		if err != nil {
			return nil, err
		}
		path = r.projectPath(info.ID)
	}

	firstTime := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		firstTime = true
	}

	h, err := openHandle(target, path)
	if err != nil {
		return nil, ErrConnection.Wrap(err)
	}

	if firstTime && target != MainTarget {
		engine := migrate.NewEngine(r.log.Named("migrate").With(zap.String("project", target)),
			migrate.ProjectSteps(target))
		if _, err := engine.Apply(ctx, h.DB()); err != nil {
			// Callers must always observe a schema-complete database, so a
			// failed first provisioning does not register the handle. The
			// file stays behind; migrations are idempotent and resume on
			// the next attempt.
			_ = h.Close()
			return nil, ErrSchema.Wrap(err)
		}
		r.log.Info("provisioned project database", zap.String("project", target))
	}

	r.mu.Lock()
	r.handles[target] = h
	r.mu.Unlock()
	return h, nil
}

// LookupProject resolves a project id against the cache, then the main
// database. Unknown or deleted projects yield ErrProvisioning.
func (r *Registry) LookupProject(ctx context.Context, projectID string) (ProjectInfo, error) {
	if info, ok := r.cache.Get(ctx, projectID); ok {
		return info, nil
	}

	main, err := r.Handle(ctx, MainTarget)
	if err != nil {
		return ProjectInfo{}, err
	}

	var info ProjectInfo
	err = main.DB().QueryRowContext(ctx,
		`SELECT id, name, allowed_origin FROM projects WHERE id = ? AND deleted_at IS NULL`,
		projectID,
	).Scan(&info.ID, &info.Name, &info.AllowedOrigin)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectInfo{}, ErrProvisioning.New("unknown project %q", projectID)
	}
	if err != nil {
		return ProjectInfo{}, ErrConnection.Wrap(err)
	}

	r.cache.Put(ctx, info)
	return info, nil
}

// IsProject reports whether id names a known, live project.
func (r *Registry) IsProject(ctx context.Context, id string) bool {
	_, err := r.LookupProject(ctx, id)
	return err == nil
}

// ProjectIDs lists all live project ids from the main database.
func (r *Registry) ProjectIDs(ctx context.Context) ([]string, error) {
	main, err := r.Handle(ctx, MainTarget)
	if err != nil {
		return nil, err
	}

	rows, err := main.DB().QueryContext(ctx,
		`SELECT id FROM projects WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, ErrConnection.Wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsAllowedOrigin reports whether origin is the registered allowed origin
// of any live project. Used by the CORS layer on top of the static list.
func (r *Registry) IsAllowedOrigin(ctx context.Context, origin string) bool {
	if origin == "" {
		return false
	}
	main, err := r.Handle(ctx, MainTarget)
	if err != nil {
		return false
	}
	var n int
	err = main.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE allowed_origin = ? AND deleted_at IS NULL`,
		origin).Scan(&n)
	return err == nil && n > 0
}

// InvalidateProject drops cached directory state for a project, used after
// rename or delete.
func (r *Registry) InvalidateProject(ctx context.Context, projectID string) {
	r.cache.Invalidate(ctx, projectID)
}

// Evict closes and forgets the handle for target, if open. Used when a
// project is deleted.
func (r *Registry) Evict(target string) {
	r.mu.Lock()
	h := r.handles[target]
	delete(r.handles, target)
	r.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

// CloseIdle evicts and closes project handles unused for longer than
// maxAge. The main handle is never evicted. Returns the number of handles
// closed.
func (r *Registry) CloseIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Handle
	for target, h := range r.handles {
		if target == MainTarget {
			continue
		}
		if h.LastUsed().Before(cutoff) {
			stale = append(stale, h)
			delete(r.handles, target)
		}
	}
	r.mu.Unlock()

	for _, h := range stale {
		if err := h.Close(); err != nil {
			r.log.Warn("closing idle handle", zap.String("target", h.Target()), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		r.log.Info("evicted idle project handles", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Close tears down every handle. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for target, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, target)
	}
	r.mu.Unlock()

	var group errs.Group
	for _, h := range handles {
		group.Add(h.Close())
	}
	return group.Err()
}
