package main

import (
	"log"
	"os"
	"time"

	"github.com/kestrelci/kestrel/internal/api"
	"github.com/kestrelci/kestrel/internal/config"
	"github.com/kestrelci/kestrel/internal/engine"
	"github.com/kestrelci/kestrel/internal/model"
	"github.com/kestrelci/kestrel/internal/runner"
	"github.com/kestrelci/kestrel/internal/runner/container"
	"github.com/kestrelci/kestrel/internal/runner/subprocess"
	"github.com/kestrelci/kestrel/internal/schedule"
	"github.com/kestrelci/kestrel/internal/store"
	"github.com/kestrelci/kestrel/internal/workspace"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kestrel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"runner", cfg.Runner,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := runner.NewRegistry()
	registry.Register(model.RunnerSubprocess, subprocess.New(logger))

	if cfg.Runner != model.RunnerSubprocess {
		docker, err := container.New(cfg.ContainerImage, logger)
		switch {
		case err == nil:
			registry.Register(model.RunnerContainer, docker)
		case cfg.Runner == model.RunnerContainer:
			// Explicitly requested, so a missing daemon is fatal.
			log.Fatalf("failed to initialize container runner: %v", err)
		default:
			// Under auto the container runner is optional.
			logger.Warn("container runner unavailable, using subprocess only", "error", err)
		}
	}

	eng := engine.NewEngine(
		db, registry,
		&workspace.DirResolver{Root: cfg.WorkspaceRoot},
		&workspace.StaticEnvResolver{Default: workspace.Env{Executable: cfg.TestExecutable}},
		logger,
		engine.Options{
			Workers:        cfg.Workers,
			DefaultTimeout: time.Duration(cfg.DefaultTimeoutS) * time.Second,
			ReportPath:     cfg.ReportPath,
		},
	)
	eng.Start()

	scheduler := schedule.New(db, eng, logger, time.Duration(cfg.ScheduleTickS)*time.Second)
	scheduler.Start()

	srv := api.NewServer(cfg.ListenAddr, db, registry, eng, logger)

	err = srv.Run()

	// Stop firing schedules first, then give in-flight runs the grace
	// period to finish before the store closes.
	scheduler.Stop()
	eng.Shutdown(time.Duration(cfg.ShutdownGraceS) * time.Second)

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
