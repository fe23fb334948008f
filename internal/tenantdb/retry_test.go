package tenantdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepairer counts repair calls and optionally fails.
type fakeRepairer struct {
	calls int
	err   error
}

func (f *fakeRepairer) RepairHandle(ctx context.Context, h *Handle) error {
	f.calls++
	return f.err
}

func fastOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
		RepairInterval: time.Millisecond,
	}
}

func TestExecutorDo_SucceedsFirstAttempt(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutorDo_LogicalErrorNotRetried(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	boom := errors.New("near \"FRM\": syntax error")
	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
}

func TestExecutorDo_ConnectionFaultRetriedThenExhausted(t *testing.T) {
	reg := newTestRegistry(t)
	opts := fastOptions()
	exec := NewExecutor(reg, nil, nil, opts)

	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, ErrConnection.Has(err))
	assert.Equal(t, opts.MaxAttempts, calls)
}

func TestExecutorDo_ConnectionFaultRecovers(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		if calls == 1 {
			return errors.New("disk i/o error")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecutorDo_RecoversFromMidFlightEviction(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())
	id := seedProject(t, reg, "evicted")

	calls := 0
	err := exec.Do(context.Background(), id, func(ctx context.Context, h *Handle) error {
		calls++
		if calls == 1 {
			reg.Evict(id)
		}
		var n int
		return h.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&n)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecutorDo_StructuralFaultTriggersRepair(t *testing.T) {
	reg := newTestRegistry(t)
	repairer := &fakeRepairer{}
	exec := NewExecutor(reg, nil, repairer, fastOptions())

	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		if calls == 1 {
			return errors.New("no such table: documents")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repairer.calls)
	assert.Equal(t, 2, calls)
}

func TestExecutorDo_StructuralFaultRepairedOnce(t *testing.T) {
	reg := newTestRegistry(t)
	repairer := &fakeRepairer{}
	exec := NewExecutor(reg, nil, repairer, fastOptions())

	// The op keeps failing structurally even after a repair; the second
	// structural failure surfaces instead of looping.
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		return errors.New("no such column: title")
	})
	require.Error(t, err)
	assert.True(t, ErrSchema.Has(err))
	assert.Equal(t, 1, repairer.calls)
}

func TestExecutorDo_RepairLimiterIsPerTarget(t *testing.T) {
	reg := newTestRegistry(t)
	repairer := &fakeRepairer{}
	opts := fastOptions()
	// Long enough that a shared limiter would refuse the second target.
	opts.RepairInterval = time.Hour
	exec := NewExecutor(reg, nil, repairer, opts)
	id := seedProject(t, reg, "other")

	run := func(target string) {
		calls := 0
		err := exec.Do(context.Background(), target, func(ctx context.Context, h *Handle) error {
			calls++
			if calls == 1 {
				return errors.New("no such table: widgets")
			}
			return nil
		})
		require.NoError(t, err)
	}

	run(MainTarget)
	run(id)
	assert.Equal(t, 2, repairer.calls)
}

func TestExecutorDo_NoRepairerMeansSchemaError(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	calls := 0
	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		calls++
		return errors.New("no such table: widgets")
	})
	require.Error(t, err)
	assert.True(t, ErrSchema.Has(err))
	assert.Equal(t, 1, calls)
}

func TestExecutorDo_FailedRepairSurfaces(t *testing.T) {
	reg := newTestRegistry(t)
	repairer := &fakeRepairer{err: errors.New("repair failed")}
	exec := NewExecutor(reg, nil, repairer, fastOptions())

	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		return errors.New("no such table: widgets")
	})
	require.Error(t, err)
	assert.True(t, ErrSchema.Has(err))
	assert.Equal(t, 1, repairer.calls)
}

func TestExecutorDo_NotFoundClassified(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	err := exec.Do(context.Background(), MainTarget, func(ctx context.Context, h *Handle) error {
		var v string
		return h.DB().QueryRowContext(ctx,
			`SELECT value FROM settings WHERE key = 'absent'`).Scan(&v)
	})
	require.Error(t, err)
	assert.True(t, ErrNotFound.Has(err))
}

func TestExecutorDo_UnknownProjectImmediate(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	calls := 0
	err := exec.Do(context.Background(), uuid.New().String(), func(ctx context.Context, h *Handle) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, ErrProvisioning.Has(err))
	assert.Equal(t, 0, calls)
}

func TestExecutorDo_CanceledContext(t *testing.T) {
	reg := newTestRegistry(t)
	exec := NewExecutor(reg, nil, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.Do(ctx, MainTarget, func(ctx context.Context, h *Handle) error {
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, ErrConnection.Has(err))
}
