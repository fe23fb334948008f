// Package maintenance runs the background upkeep jobs of the api process:
// a periodic sweep of idle project handles and a nightly health pass over
// every known database.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

type Scheduler struct {
	reg  *tenantdb.Registry
	svc  *health.Service
	log  *zap.Logger
	cron *cron.Cron

	idleSweepEvery time.Duration
	idleMaxAge     time.Duration
}

func NewScheduler(reg *tenantdb.Registry, svc *health.Service, log *zap.Logger, sweepEvery, idleMaxAge time.Duration) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		reg:            reg,
		svc:            svc,
		log:            log,
		cron:           cron.New(),
		idleSweepEvery: sweepEvery,
		idleMaxAge:     idleMaxAge,
	}
}

// Start registers and launches the cron jobs.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.idleSweepEvery), s.sweepIdle)
	if err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}

	// Nightly structural pass at 03:00.
	_, err = s.cron.AddFunc("0 3 * * *", s.healthSweep)
	if err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}

	s.cron.Start()
	s.log.Info("maintenance scheduler started",
		zap.Duration("idle_sweep_every", s.idleSweepEvery),
		zap.Duration("idle_max_age", s.idleMaxAge))
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweepIdle() {
	s.reg.CloseIdle(s.idleMaxAge)
}

// healthSweep checks every database and repairs the broken ones.
func (s *Scheduler) healthSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	targets := []string{tenantdb.MainTarget}
	ids, err := s.reg.ProjectIDs(ctx)
	if err != nil {
		s.log.Warn("health sweep could not list projects", zap.Error(err))
	} else {
		targets = append(targets, ids...)
	}

	for _, target := range targets {
		h, err := s.reg.Handle(ctx, target)
		if err != nil {
			s.log.Warn("health sweep skipping target", zap.String("target", target), zap.Error(err))
			continue
		}
		status := s.svc.Check(ctx, h)
		if status.Healthy() {
			continue
		}

		repairs, err := s.svc.Repair(ctx, h)
		if err != nil {
			s.log.Error("health sweep repair failed", zap.String("target", target), zap.Error(err))
			continue
		}
		s.log.Info("health sweep repaired database",
			zap.String("target", target), zap.Int("repairs", len(repairs)))
	}
}
