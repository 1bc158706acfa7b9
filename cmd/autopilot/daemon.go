package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-autopilot/internal/channels"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/cron"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if orphans, err := rt.engine.ReportOrphans(ctx); err != nil {
		logger.Warn("orphan scan failed", "error", err)
	} else {
		logger.Info("startup phase", "phase", "orphan_scan_completed", "orphans", len(orphans))
	}

	var senders []channels.Sender
	var listeners []channels.Channel
	var tgBot *tgbotapi.BotAPI
	tg := cfg.Channels.Telegram
	if tg.Enabled {
		tgBot, err = tgbotapi.NewBotAPI(tg.Token)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		senders = append(senders, channels.NewTelegramSender(tgBot, tg.RatePerSecond))
	}
	delivery := channels.NewDelivery(rt.engine, rt.bus, cfg.Delivery, rt.metrics, logger, senders...)
	if tgBot != nil {
		listeners = append(listeners, channels.NewTelegramChannel(tgBot, tg.AllowedIDs, delivery, rt.engine, senders[0], logger))
	}

	sched, err := cron.NewScheduler(cron.Config{
		Jobs:   cron.MaintenanceJobs(cfg.Maintenance, rt.store, rt.engine, logger),
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_CRON_START", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; changes need a restart", "error", err)
		watcher = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range listeners {
		g.Go(func() error {
			logger.Info("channel starting", "channel", ch.Name())
			return ch.Start(gctx)
		})
	}
	if watcher != nil {
		g.Go(func() error {
			applyReloads(watcher.Events(), cfg, delivery, logger)
			return nil
		})
	}
	logger.Info("daemon running", "channels", len(listeners))
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	waitErr := g.Wait()
	logger.Info("daemon stopping")

	// Abort running tasks while delivery still forwards their final
	// messages, then stop the forwarders.
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.engine.Close(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
	}
	delivery.Close()

	if waitErr != nil {
		logger.Error("daemon stopped", "error", waitErr)
		return 1
	}
	return 0
}

// applyReloads applies delivery settings live. Other changes only take
// effect after a restart, which is logged.
func applyReloads(events <-chan config.ReloadEvent, current config.Config, delivery *channels.Delivery, logger *slog.Logger) {
	for ev := range events {
		if ev.Err != nil {
			logger.Warn("config reload rejected, keeping previous settings", "path", ev.Path, "error", ev.Err)
			continue
		}
		delivery.Configure(ev.Config.Delivery)
		next := ev.Config
		next.Delivery = current.Delivery
		if next.Fingerprint() != current.Fingerprint() {
			logger.Info("config changed; engine settings apply after restart",
				"running", current.Fingerprint(), "on_disk", next.Fingerprint())
		}
	}
}
