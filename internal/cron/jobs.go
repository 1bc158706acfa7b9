package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/persistence"
)

const (
	JobMailboxRetention = "mailbox-retention"
	JobOrphanReport     = "orphan-report"
)

// MailboxPruner deletes settled mailbox rows.
type MailboxPruner interface {
	PruneTaskMessages(ctx context.Context, olderThan time.Duration) (int, error)
}

// OrphanReporter logs tasks left running by a previous process.
type OrphanReporter interface {
	ReportOrphans(ctx context.Context) ([]persistence.Task, error)
}

// MaintenanceJobs returns the retention and orphan-report jobs.
func MaintenanceJobs(cfg config.MaintenanceConfig, mailbox MailboxPruner, orphans OrphanReporter, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	retention := time.Duration(cfg.MailboxRetentionDays) * 24 * time.Hour
	return []Job{
		{
			Name:     JobMailboxRetention,
			Schedule: cfg.RetentionSchedule,
			Run: func(ctx context.Context) error {
				n, err := mailbox.PruneTaskMessages(ctx, retention)
				if err != nil {
					return fmt.Errorf("prune mailbox: %w", err)
				}
				if n > 0 {
					logger.Info("mailbox pruned", "deleted", n, "retention_days", cfg.MailboxRetentionDays)
				}
				return nil
			},
		},
		{
			Name:     JobOrphanReport,
			Schedule: cfg.OrphanReportSchedule,
			Run: func(ctx context.Context) error {
				found, err := orphans.ReportOrphans(ctx)
				if err != nil {
					return fmt.Errorf("report orphans: %w", err)
				}
				if len(found) > 0 {
					logger.Warn("orphaned tasks found", "count", len(found))
				}
				return nil
			},
		},
	}
}
