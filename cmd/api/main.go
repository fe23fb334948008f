package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harborbase/harborbase/config"
	"github.com/harborbase/harborbase/internal/bootstrap"
	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/maintenance"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := bootstrap.OpenRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open registry", zap.Error(err))
	}
	defer reg.Close()

	healthSvc := health.NewService(logger)
	exec := tenantdb.NewExecutor(reg, logger, healthSvc, tenantdb.ExecutorOptions{
		MaxAttempts: cfg.Database.RetryMaxAttempts,
	})
	router := tenantdb.NewRouter(reg, exec, logger)

	// Repair the control database before taking traffic.
	if err := repairMain(ctx, reg, healthSvc, logger); err != nil {
		logger.Fatal("startup repair", zap.Error(err))
	}

	sched := maintenance.NewScheduler(reg, healthSvc, logger,
		cfg.Database.IdleSweepInterval, cfg.Database.IdleMaxAge)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	defer sched.Stop()

	bootstrap.SetGinMode(cfg.App.Environment)
	engine := bootstrap.BuildRouter(bootstrap.RouterDeps{
		ServiceName:    "harborbase",
		Version:        cfg.App.Version,
		AdminToken:     cfg.Admin.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Registry:       reg,
		Executor:       exec,
		Router:         router,
		Health:         healthSvc,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("port", cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func repairMain(ctx context.Context, reg *tenantdb.Registry, svc *health.Service, logger *zap.Logger) error {
	h, err := reg.Handle(ctx, tenantdb.MainTarget)
	if err != nil {
		return fmt.Errorf("main handle: %w", err)
	}
	status := svc.Check(ctx, h)
	if status.Healthy() {
		return nil
	}
	repairs, err := svc.Repair(ctx, h)
	if err != nil {
		return err
	}
	for _, r := range repairs {
		if r.Credential != "" {
			// Shown once at first boot, never logged.
			fmt.Fprintf(os.Stderr, "initial admin credential: %s\n", r.Credential)
		}
		logger.Info("startup repair applied",
			zap.String("kind", r.Kind), zap.String("detail", r.Detail))
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.App.Environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
