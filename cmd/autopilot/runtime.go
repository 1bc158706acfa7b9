package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-autopilot/internal/bus"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/engine"
	otelPkg "github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/tools"
)

// runtime is the wired engine with everything it owns.
type runtime struct {
	bus     *bus.Bus
	store   *persistence.Store
	engine  *engine.Engine
	metrics *otelPkg.Metrics
	closers []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{bus: bus.New()}
	fail := func(err error) (*runtime, error) {
		_ = rt.Close(context.Background())
		return nil, err
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	}, Version)
	if err != nil {
		return fail(fmt.Errorf("otel init: %w", err))
	}
	rt.closers = append(rt.closers, provider.Shutdown)
	if rt.metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
		return fail(fmt.Errorf("otel metrics: %w", err))
	}

	if rt.store, err = persistence.Open(cfg.DBPath, rt.bus); err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.store.Close() })

	if err := os.MkdirAll(cfg.Tools.Workspace, 0o755); err != nil {
		return fail(fmt.Errorf("create workspace: %w", err))
	}
	var executor tools.Executor = tools.HostExecutor{}
	if cfg.Tools.Shell.Sandbox {
		sb, err := tools.NewDockerSandbox(cfg.Tools.Shell.SandboxImage, cfg.Tools.Shell.SandboxMemory,
			cfg.Tools.Shell.SandboxNetwork, cfg.Tools.Workspace)
		if err != nil {
			logger.Warn("failed to init docker sandbox, falling back to host", "error", err)
		} else {
			executor = sb
			rt.closers = append(rt.closers, func(context.Context) error { return sb.Close() })
			logger.Info("shell sandbox enabled", "image", cfg.Tools.Shell.SandboxImage)
		}
	}

	model, err := engine.NewGenkitModel(ctx, cfg, rt.metrics)
	if err != nil {
		return fail(fmt.Errorf("model init: %w", err))
	}
	rt.engine, err = engine.New(rt.store, rt.bus, model, engine.Options{
		Tasks: cfg.Tasks,
		Tools: tools.Deps{
			Workspace:    cfg.Tools.Workspace,
			Executor:     executor,
			ShellTimeout: time.Duration(cfg.Tools.Shell.TimeoutSeconds) * time.Second,
		},
		Metrics: rt.metrics,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}
	// The engine must stop before the store it writes to closes.
	rt.closers = append(rt.closers, rt.engine.Close)
	logger.Info("runtime ready", "version", Version, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model,
		"db_path", cfg.DBPath, "config", cfg.Fingerprint())
	return rt, nil
}

// Close releases everything in reverse construction order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
