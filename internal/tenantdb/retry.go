package tenantdb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Repairer remediates a handle whose schema failed a structural probe. The
// health service implements it; the indirection keeps this package from
// depending on the repair implementation.
type Repairer interface {
	RepairHandle(ctx context.Context, h *Handle) error
}

// ExecutorOptions tunes retry behavior. Zero values take defaults.
type ExecutorOptions struct {
	// MaxAttempts bounds attempts per logical call (default 3).
	MaxAttempts int

	// BaseDelay is the first backoff delay, doubled each retry (default
	// 100ms).
	BaseDelay time.Duration

	// MaxDelay caps the backoff (default 2s).
	MaxDelay time.Duration

	// AttemptTimeout bounds a single attempt; a timed-out attempt counts
	// as a transient failure (default 5s).
	AttemptTimeout time.Duration

	// RepairInterval rate-limits the structural-repair bridge so a broken
	// schema cannot trigger a repair storm (default 30s).
	RepairInterval time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Second
	}
	if o.RepairInterval <= 0 {
		o.RepairInterval = 30 * time.Second
	}
	return o
}

// Executor runs one logical operation against a handle, reconnecting and
// retrying connection-class failures with exponential backoff and driving
// one repair-and-retry cycle on structural failures. Logical errors
// (constraint violation, bad syntax) propagate immediately.
type Executor struct {
	reg      *Registry
	log      *zap.Logger
	repairer Repairer
	opts     ExecutorOptions

	mu           sync.Mutex
	repairLimits map[string]*rate.Limiter
}

// NewExecutor builds an executor over the registry. repairer may be nil,
// in which case structural failures surface as ErrSchema without a repair
// attempt.
func NewExecutor(reg *Registry, log *zap.Logger, repairer Repairer, opts ExecutorOptions) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		reg:          reg,
		log:          log,
		repairer:     repairer,
		opts:         opts.withDefaults(),
		repairLimits: make(map[string]*rate.Limiter),
	}
}

// repairLimiter returns the per-target repair limiter, creating it on
// first use. A single shared limiter would let one broken target consume
// the token another target's repair cycle is entitled to.
func (e *Executor) repairLimiter(target string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	limit, ok := e.repairLimits[target]
	if !ok {
		limit = rate.NewLimiter(rate.Every(e.opts.RepairInterval), 1)
		e.repairLimits[target] = limit
	}
	return limit
}

// Do executes op against the handle for target, borrowing a fresh handle
// per attempt so a reconnect is observed.
func (e *Executor) Do(ctx context.Context, target string, op func(ctx context.Context, h *Handle) error) error {
	var (
		lastErr  error
		repaired bool
		delay    = e.opts.BaseDelay
	)

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		h, err := e.reg.Handle(ctx, target)
		if err != nil {
			if !ErrConnection.Has(err) {
				return err
			}
			lastErr = err
		} else {
			attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
			err = op(attemptCtx, h)
			cancel()

			switch {
			case err == nil:
				return nil

			case IsStructuralFault(err):
				if repaired || e.repairer == nil {
					return ErrSchema.Wrap(err)
				}
				if !e.repairLimiter(target).Allow() {
					return ErrSchema.Wrap(err)
				}
				e.log.Warn("structural failure, attempting repair",
					zap.String("target", target), zap.Error(err))
				if rerr := e.repairer.RepairHandle(ctx, h); rerr != nil {
					return ErrSchema.Wrap(rerr)
				}
				repaired = true
				// The repaired attempt does not consume a retry slot.
				attempt--
				continue

			case IsConnectionFault(err):
				lastErr = err
				if _, rerr := e.reg.Reopen(ctx, target); rerr != nil {
					e.log.Debug("reopen failed", zap.String("target", target), zap.Error(rerr))
				}

			default:
				return ClassifyTerminal(err)
			}
		}

		if attempt == e.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ErrConnection.Wrap(ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > e.opts.MaxDelay {
			delay = e.opts.MaxDelay
		}
	}

	return ErrConnection.New("giving up on %q after %d attempts: %v",
		target, e.opts.MaxAttempts, lastErr)
}
