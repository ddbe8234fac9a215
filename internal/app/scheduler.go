package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"factsync/internal/domain"
	"factsync/internal/gather"
)

// ScheduleOff disables a pipeline or sweep schedule.
const ScheduleOff = "off"

// Scheduler returns a cron schedule, in exchange-local time, that runs
// each pipeline not switched off and ticks the sweeper. Jobs
// stop doing work once ctx is done. The caller starts and stops it.
func (a *App) Scheduler(ctx context.Context) (*cron.Cron, error) {
	logger := cron.PrintfLogger(slog.NewLogLogger(a.Log.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithLocation(a.Calendar.Location()),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, kind := range domain.AllKinds {
		pcfg, _ := a.Config.Gather.Pipeline(string(kind))
		if pcfg.Schedule == ScheduleOff {
			a.Log.Info("pipeline not scheduled", "kind", kind)
			continue
		}
		if _, err := c.AddFunc(pcfg.Schedule, func() { a.scheduledRun(ctx, kind) }); err != nil {
			return nil, fmt.Errorf("gather.%s.schedule %q: %w", kind, pcfg.Schedule, err)
		}
		a.Log.Info("pipeline scheduled", "kind", kind, "schedule", pcfg.Schedule)
	}

	if a.Config.Sweep.Schedule != ScheduleOff {
		if _, err := c.AddFunc(a.Config.Sweep.Schedule, func() { a.scheduledSweep(ctx) }); err != nil {
			return nil, fmt.Errorf("sweep.schedule %q: %w", a.Config.Sweep.Schedule, err)
		}
	}
	return c, nil
}

func (a *App) scheduledRun(ctx context.Context, kind domain.FactKind) {
	if ctx.Err() != nil {
		return
	}
	_, err := a.Run(ctx, kind, gather.RunOptions{})
	switch {
	case err == nil:
	case errors.Is(err, gather.ErrNoSymbols):
		a.Log.Debug("scheduled run found no stale symbols", "kind", kind)
	case errors.Is(err, gather.ErrRunActive):
		a.Log.Info("scheduled run skipped, previous run still active", "kind", kind)
	default:
		a.Log.Error("scheduled run failed", "kind", kind, "error", err)
	}
}

func (a *App) scheduledSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := a.Sweeper.Sweep(ctx, false); err != nil {
		a.Log.Error("sweep failed", "error", err)
	}
}
