package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/cron"
	"github.com/basket/go-autopilot/internal/persistence"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func countingJob(name string, n *atomic.Int32) cron.Job {
	return cron.Job{Name: name, Schedule: "@daily", Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func TestNewScheduler_RejectsBadJobs(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "bad", Schedule: "every tuesday", Run: func(context.Context) error { return nil }}}}); err == nil {
		t.Fatal("expected error for an invalid schedule")
	}
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "empty", Schedule: "@hourly"}}}); err == nil {
		t.Fatal("expected error for a nil run func")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	var a, b atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Jobs:       []cron.Job{countingJob("a", &a), countingJob("b", &b)},
		Logger:     slog.Default(),
		RunOnStart: true,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return a.Load() == 1 && b.Load() == 1 })
	sched.Stop()
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	entered := make(chan struct{})
	sched, err := cron.NewScheduler(cron.Config{
		RunOnStart: true,
		Jobs: []cron.Job{{Name: "slow", Schedule: "@hourly", Run: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a job was running")
	}
}

func TestScheduler_RunNowSkipsOverlap(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "once", Schedule: "@daily", Run: func(context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- sched.RunNow(ctx, "once") }()
	<-entered
	if err := sched.RunNow(ctx, "once"); err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("job ran %d times while already running", calls.Load())
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := sched.RunNow(ctx, "missing"); err == nil {
		t.Fatal("expected error for an unknown job")
	}
}

func TestScheduler_RunNowReturnsJobError(t *testing.T) {
	boom := errors.New("boom")
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "fails", Schedule: "@daily", Run: func(context.Context) error { return boom }}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunNow(context.Background(), "fails"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"@every 15m", base.Add(15 * time.Minute)},
	}
	for _, tt := range tests {
		got, err := cron.NextRunTime(tt.expr, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := cron.NextRunTime("not a schedule", base); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakePruner struct {
	olderThan time.Duration
	err       error
}

func (p *fakePruner) PruneTaskMessages(_ context.Context, olderThan time.Duration) (int, error) {
	p.olderThan = olderThan
	return 3, p.err
}

type fakeReporter struct {
	calls int
	err   error
}

func (r *fakeReporter) ReportOrphans(context.Context) ([]persistence.Task, error) {
	r.calls++
	return []persistence.Task{{Key: "task-left"}}, r.err
}

func TestMaintenanceJobs(t *testing.T) {
	cfg := config.MaintenanceConfig{MailboxRetentionDays: 14, RetentionSchedule: "@daily", OrphanReportSchedule: "@every 15m"}
	pruner := &fakePruner{}
	reporter := &fakeReporter{}
	sched, err := cron.NewScheduler(cron.Config{Jobs: cron.MaintenanceJobs(cfg, pruner, reporter, nil)})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	if err := sched.RunNow(ctx, cron.JobMailboxRetention); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if pruner.olderThan != 14*24*time.Hour {
		t.Fatalf("olderThan = %v", pruner.olderThan)
	}
	if err := sched.RunNow(ctx, cron.JobOrphanReport); err != nil || reporter.calls != 1 {
		t.Fatalf("orphan report: calls=%d err=%v", reporter.calls, err)
	}

	pruner.err = errors.New("database is locked")
	if err := sched.RunNow(ctx, cron.JobMailboxRetention); err == nil {
		t.Fatal("expected the prune error to surface")
	}
}
