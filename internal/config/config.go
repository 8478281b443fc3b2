package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/kestrelci/kestrel/internal/model"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "kestrel.db"
	defaultRunner         = model.RunnerAuto
	defaultWorkers        = 1
	defaultTimeoutS       = 600
	defaultShutdownGraceS = 30
	defaultWorkspaceRoot  = "/var/lib/kestrel/workspaces"
	defaultContainerImage = "kestrel-runner:latest"
	defaultTestExecutable = "pytest"
	defaultReportPath     = "report.xml"
	defaultScheduleTickS  = 30

	envListenAddr     = "KESTREL_LISTEN_ADDR"
	envDBPath         = "KESTREL_DB_PATH"
	envLogLevel       = "KESTREL_LOG_LEVEL"
	envRunner         = "KESTREL_RUNNER"
	envWorkers        = "KESTREL_WORKERS"
	envTimeoutS       = "KESTREL_DEFAULT_TIMEOUT_S"
	envShutdownGraceS = "KESTREL_SHUTDOWN_GRACE_S"
	envWorkspaceRoot  = "KESTREL_WORKSPACE_ROOT"
	envContainerImage = "KESTREL_CONTAINER_IMAGE"
	envTestExecutable = "KESTREL_TEST_EXECUTABLE"
	envReportPath     = "KESTREL_REPORT_PATH"
	envScheduleTickS  = "KESTREL_SCHEDULE_TICK_S"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	Runner          string // subprocess | container | auto
	Workers         int
	DefaultTimeoutS int
	ShutdownGraceS  int
	WorkspaceRoot   string
	ContainerImage  string
	TestExecutable  string
	ReportPath      string
	ScheduleTickS   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Runner:          defaultRunner,
		Workers:         defaultWorkers,
		DefaultTimeoutS: defaultTimeoutS,
		ShutdownGraceS:  defaultShutdownGraceS,
		WorkspaceRoot:   defaultWorkspaceRoot,
		ContainerImage:  defaultContainerImage,
		TestExecutable:  defaultTestExecutable,
		ReportPath:      defaultReportPath,
		ScheduleTickS:   defaultScheduleTickS,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envRunner); v != "" {
		cfg.Runner = parseRunner(v)
	}
	if v := os.Getenv(envWorkspaceRoot); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv(envContainerImage); v != "" {
		cfg.ContainerImage = v
	}
	if v := os.Getenv(envTestExecutable); v != "" {
		cfg.TestExecutable = v
	}
	if v := os.Getenv(envReportPath); v != "" {
		cfg.ReportPath = v
	}
	cfg.Workers = parsePositiveInt(envWorkers, cfg.Workers)
	cfg.DefaultTimeoutS = parsePositiveInt(envTimeoutS, cfg.DefaultTimeoutS)
	cfg.ShutdownGraceS = parsePositiveInt(envShutdownGraceS, cfg.ShutdownGraceS)
	cfg.ScheduleTickS = parsePositiveInt(envScheduleTickS, cfg.ScheduleTickS)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseRunner(s string) string {
	switch strings.ToLower(s) {
	case model.RunnerSubprocess:
		return model.RunnerSubprocess
	case model.RunnerContainer:
		return model.RunnerContainer
	default:
		return model.RunnerAuto
	}
}

func parsePositiveInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
