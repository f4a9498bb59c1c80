// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/redline/pkg/logging"
	"github.com/AleutianAI/redline/services/changeset"
	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/journal"
	"github.com/AleutianAI/redline/services/changeset/proposer"
)

// duration makes time.Duration parse from "30s"-style YAML strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Std() time.Duration {
	return time.Duration(d)
}

// ServeConfig is the daemon configuration file.
type ServeConfig struct {
	// ListenAddr is the HTTP bind address. Default: ":8440".
	ListenAddr string `yaml:"listen_addr"`

	// JournalPath is the Badger directory for the audit journal.
	// Default: "./redline-journal".
	JournalPath string `yaml:"journal_path"`

	// GCInterval is how often terminal records and journal value logs
	// are reclaimed. Default: 10m.
	GCInterval duration `yaml:"gc_interval"`

	// Tracing enables span export to stdout.
	Tracing bool `yaml:"tracing"`

	Backend struct {
		// Type selects the document backend: "file" or "memory".
		Type string `yaml:"type" validate:"oneof=file memory"`

		// Root is the document root directory (file backend only).
		Root string `yaml:"root"`

		// Watch enables external-edit detection (file backend only).
		Watch bool `yaml:"watch"`
	} `yaml:"backend"`

	Engine struct {
		BackendTimeout       duration `yaml:"backend_timeout"`
		TableChangeThreshold int      `yaml:"table_change_threshold" validate:"gte=0"`
		BackupBeforeApply    bool     `yaml:"backup_before_apply"`
		TerminalTTL          duration `yaml:"terminal_ttl"`
	} `yaml:"engine"`

	Proposer struct {
		Enabled           bool   `yaml:"enabled"`
		BaseURL           string `yaml:"base_url"`
		Model             string `yaml:"model"`
		RequestsPerMinute int    `yaml:"requests_per_minute" validate:"gte=0"`
	} `yaml:"proposer"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
		Dir   string `yaml:"dir"`
	} `yaml:"log"`
}

// DefaultServeConfig returns the daemon defaults.
func DefaultServeConfig() ServeConfig {
	var c ServeConfig
	c.ListenAddr = ":8440"
	c.JournalPath = "./redline-journal"
	c.GCInterval = duration(10 * time.Minute)
	c.Backend.Type = "memory"
	c.Log.Level = "info"
	return c
}

// loadServeConfig reads and validates the config file, applying
// defaults for anything unset.
func loadServeConfig(path string) (ServeConfig, error) {
	config := DefaultServeConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return config, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&config)

	if err := validator.New().Struct(&config); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	if config.Backend.Type == "file" && config.Backend.Root == "" {
		return config, errors.New("backend.root is required for the file backend")
	}
	if config.GCInterval.Std() <= 0 {
		return config, errors.New("gc_interval must be positive")
	}
	return config, nil
}

// applyEnvOverrides lets deployment environments override file values
// without editing the config.
func applyEnvOverrides(config *ServeConfig) {
	if v := os.Getenv("REDLINE_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("REDLINE_JOURNAL_PATH"); v != "" {
		config.JournalPath = v
	}
	if v := os.Getenv("REDLINE_BACKEND_TYPE"); v != "" {
		config.Backend.Type = v
	}
	if v := os.Getenv("REDLINE_BACKEND_ROOT"); v != "" {
		config.Backend.Root = v
	}
	if v := os.Getenv("REDLINE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("REDLINE_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.GCInterval = duration(d)
		}
	}
}

var (
	serveConfigPath string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the redline daemon",
		Long: `Starts the HTTP API, the audit journal, the document backend,
the GC runner, and (for file backends) the external-edit watcher.`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "",
		"Path to the YAML config file")
}

func initTracer(logger *slog.Logger) (func(context.Context), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down trace provider", "error", err)
		}
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadServeConfig(serveConfigPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(config.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  config.Log.Dir,
		Service: "redline",
		JSON:    config.Log.JSON,
	})
	defer log.Close()
	logger := log.Slog()
	slog.SetDefault(logger)

	if config.Tracing {
		cleanup, err := initTracer(logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	// Document backend
	var docBackend backend.Backend
	var fileBackend *backend.File
	switch config.Backend.Type {
	case "file":
		root, err := filepath.Abs(config.Backend.Root)
		if err != nil {
			return err
		}
		fileBackend, err = backend.NewFile(root, backend.DefaultFileOptions())
		if err != nil {
			return fmt.Errorf("file backend: %w", err)
		}
		docBackend = fileBackend
		logger.Info("using file backend", "root", root)
	default:
		docBackend = backend.NewMemory()
		logger.Warn("using in-memory backend; documents do not survive restart")
	}

	// Audit journal
	journalConfig := journal.DefaultConfig()
	journalConfig.Path = config.JournalPath
	journalConfig.Logger = logger
	j, err := journal.Open(journalConfig)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()
	logger.Info("audit journal open", "path", config.JournalPath)

	// Engine
	engineConfig := changeset.DefaultEngineConfig()
	if config.Engine.BackendTimeout > 0 {
		engineConfig.BackendTimeout = config.Engine.BackendTimeout.Std()
	}
	if config.Engine.TableChangeThreshold > 0 {
		engineConfig.TableChangeThreshold = config.Engine.TableChangeThreshold
	}
	if config.Engine.TerminalTTL > 0 {
		engineConfig.TerminalTTL = config.Engine.TerminalTTL.Std()
	}
	engineConfig.BackupBeforeApply = config.Engine.BackupBeforeApply
	engineConfig.Logger = logger

	eng, err := changeset.NewEngine(engineConfig, docBackend, j, changeset.InitMetrics())
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Recover journal state so the operator can see what a restart
	// interrupted. Records themselves are rebuilt by their owners;
	// anything non-terminal at shutdown is reported here.
	history, err := eng.ReplayHistory(context.Background())
	if err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}
	open := 0
	for _, h := range history {
		if !h.Status.IsTerminal() {
			open++
			logger.Warn("changeset was not terminal at last shutdown",
				"changeset_id", h.ID, "status", h.Status.String())
		}
	}
	logger.Info("journal replayed", "changesets", len(history), "non_terminal", open)

	// Optional proposer
	var prop changeset.TextProposer
	if config.Proposer.Enabled {
		proposerConfig := proposer.DefaultConfig()
		if config.Proposer.BaseURL != "" {
			proposerConfig.BaseURL = config.Proposer.BaseURL
		}
		if config.Proposer.Model != "" {
			proposerConfig.Model = config.Proposer.Model
		}
		if config.Proposer.RequestsPerMinute > 0 {
			proposerConfig.RequestsPerMinute = config.Proposer.RequestsPerMinute
		}
		proposerConfig.Logger = logger
		p, err := proposer.New(proposerConfig)
		if err != nil {
			return fmt.Errorf("proposer: %w", err)
		}
		prop = p
		logger.Info("proposer enabled", "model", p.Model())
	}

	svc, err := changeset.NewService(eng, docBackend, j, prop, logger)
	if err != nil {
		return err
	}

	// HTTP layer
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("redline"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	changeset.RegisterRoutes(router.Group("/v1"), changeset.NewHandlers(svc))

	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("redline daemon listening", "addr", config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// GC runner
	group.Go(func() error {
		ticker := time.NewTicker(config.GCInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := eng.GC(); err != nil {
					logger.Warn("gc pass failed", "error", err)
				}
			}
		}
	})

	// External-edit watcher
	if fileBackend != nil && config.Backend.Watch {
		watcher, err := backend.NewWatcher(fileBackend, func(changes []backend.ScopeChange) {
			for _, change := range changes {
				active := eng.List(changeset.Filter{Scope: change.Scope})
				for _, cs := range active {
					if cs.Status.IsActive() {
						logger.Warn("scope edited outside the workflow",
							"scope", change.Scope,
							"changeset_id", cs.ID,
							"status", cs.Status.String())
					}
				}
			}
		}, nil)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		defer watcher.Stop()
		logger.Info("external-edit watcher running", "root", fileBackend.Root())
	}

	return group.Wait()
}
