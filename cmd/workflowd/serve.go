package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/blingmoon/audit-workflow/internal/api"
	"github.com/blingmoon/audit-workflow/internal/commonregister"
	"github.com/blingmoon/audit-workflow/internal/config"
	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg)
			return serve(cmd.Context(), cfg)
		},
	}
}

func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildEngine 按配置组装引擎, 返回的 registry 用于 /metrics
func buildEngine(ctx context.Context, cfg *config.Config) (*workflow.Engine, *prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []workflow.EngineOption{
		workflow.WithConfig(cfg.EngineConfig()),
		workflow.WithMetrics(workflow.NewMetrics(registry)),
		workflow.WithRoleResolver(workflow.NewStaticRoleResolver(cfg.Roles)),
	}
	if cfg.Lock.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Wrapf(err, "ping redis %s failed", cfg.Lock.RedisAddr)
		}
		opts = append(opts, workflow.WithInstanceLock(workflow.NewRedisInstanceLock(client)))
	}
	if cfg.Archive.Enable {
		db, err := gorm.Open(sqlite.Open(cfg.Archive.DSN), &gorm.Config{})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open archive %s failed", cfg.Archive.DSN)
		}
		if err := workflow.MigrateArchive(db); err != nil {
			return nil, nil, errors.Wrap(err, "migrate archive failed")
		}
		opts = append(opts, workflow.WithArchive(workflow.NewArchiveRepo(db)))
	}

	engine, err := workflow.NewEngine(workflow.NewTemplateStore(workflow.NewPredicateRegistry()), opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := commonregister.RegisterBuiltinPredicates(engine.Templates().Predicates()); err != nil {
		return nil, nil, err
	}
	if err := commonregister.RegisterBuiltinActions(engine.Actions()); err != nil {
		return nil, nil, err
	}
	if cfg.Templates.Builtin {
		if _, err := commonregister.RegisterBuiltinTemplates(ctx, engine.Templates()); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Templates.Dir != "" {
		templates, err := loadTemplateDir(cfg.Templates.Dir)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range templates {
			if _, err := engine.CreateTemplate(ctx, t); err != nil {
				return nil, nil, err
			}
		}
	}
	return engine, registry, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, registry, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	e := api.NewEcho(api.NewServer(engine), registry)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[workflowd] listening", "addr", cfg.Server.Addr, "templates", len(engine.ListTemplates(ctx)))
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("[workflowd] shutting down")
	return e.Shutdown(shutdownCtx)
}

// loadTemplateDir 读取目录下的 yaml/json 模板
func loadTemplateDir(dir string) ([]*workflow.WorkflowTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read template dir %s failed", dir)
	}
	templates := make([]*workflow.WorkflowTemplate, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		t, err := parseTemplateFile(filepath.Join(dir, entry.Name()))
		if errors.Is(err, errUnsupportedTemplateFile) {
			continue
		}
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

var errUnsupportedTemplateFile = errors.New("unsupported template file")

func parseTemplateFile(path string) (*workflow.WorkflowTemplate, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, errors.WithMessage(errUnsupportedTemplateFile, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s failed", path)
	}
	var t *workflow.WorkflowTemplate
	if ext == ".json" {
		t, err = workflow.ParseTemplateJSON(b)
	} else {
		t, err = workflow.ParseTemplateYAML(b)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "parse %s failed", path)
	}
	return t, nil
}
