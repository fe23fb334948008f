package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborbase/harborbase/config"
	"github.com/harborbase/harborbase/internal/bootstrap"
	"github.com/harborbase/harborbase/internal/health"
	"github.com/harborbase/harborbase/internal/tenantdb"
)

func setup() (context.Context, context.CancelFunc, *tenantdb.Registry, *health.Service, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)

	// Opening the registry migrates the main database as a side effect.
	reg, err := bootstrap.OpenRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open registry", zap.Error(err))
	}
	return ctx, cancel, reg, health.NewService(logger), logger
}

// targetsFor expands the optional positional argument into the list of
// databases to operate on. No argument means main plus every project.
func targetsFor(ctx context.Context, reg *tenantdb.Registry, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	targets := []string{tenantdb.MainTarget}
	ids, err := reg.ProjectIDs(ctx)
	if err != nil {
		log.Fatalf("list projects: %v", err)
	}
	return append(targets, ids...)
}

// RunMigrate provisions (and thereby migrates) every requested database.
func RunMigrate(args []string) {
	ctx, cancel, reg, _, logger := setup()
	defer cancel()
	defer reg.Close()

	for _, target := range targetsFor(ctx, reg, args) {
		if _, err := reg.Handle(ctx, target); err != nil {
			logger.Fatal("migrate", zap.String("target", target), zap.Error(err))
		}
		fmt.Printf("%s: migrated\n", target)
	}
}

func RunHealth(args []string) {
	ctx, cancel, reg, svc, logger := setup()
	defer cancel()
	defer reg.Close()

	bad := 0
	for _, target := range targetsFor(ctx, reg, args) {
		h, err := reg.Handle(ctx, target)
		if err != nil {
			fmt.Printf("%s: unreachable (%v)\n", target, err)
			bad++
			continue
		}
		status := svc.Check(ctx, h)
		if status.Healthy() {
			fmt.Printf("%s: ok\n", target)
			continue
		}
		bad++
		fmt.Printf("%s: missing=[%s] mismatched=[%s]\n", target,
			strings.Join(status.MissingTables, ","),
			strings.Join(status.SchemaMismatches, ","))
	}
	if bad > 0 {
		logger.Fatal("unhealthy databases", zap.Int("count", bad))
	}
}

func RunRepair(args []string) {
	ctx, cancel, reg, svc, logger := setup()
	defer cancel()
	defer reg.Close()

	for _, target := range targetsFor(ctx, reg, args) {
		h, err := reg.Handle(ctx, target)
		if err != nil {
			logger.Fatal("repair", zap.String("target", target), zap.Error(err))
		}
		repairs, err := svc.Repair(ctx, h)
		if err != nil {
			logger.Fatal("repair", zap.String("target", target), zap.Error(err))
		}
		for _, r := range repairs {
			if r.Credential != "" {
				fmt.Printf("%s: %s %s (credential: %s)\n", target, r.Kind, r.Detail, r.Credential)
				continue
			}
			fmt.Printf("%s: %s %s\n", target, r.Kind, r.Detail)
		}
		if len(repairs) == 0 {
			fmt.Printf("%s: nothing to repair\n", target)
		}
	}
}
