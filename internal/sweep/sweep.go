// Package sweep deletes cached intraday bars once per trading day.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"factsync/internal/store"
)

// Window is the width of the daily trigger window.
const Window = time.Minute

// Clock decides whether an instant falls in the exchange-local trigger
// window. *util.TradingCalendar satisfies it.
type Clock interface {
	InLocalWindow(now time.Time, hour, minute int, width time.Duration) bool
}

// Options configures a Sweeper.
type Options struct {
	Hour, Minute int           // exchange-local trigger time
	Retention    time.Duration // bars older than this are deleted
	Log          *slog.Logger
	Now          func() time.Time
}

// Result describes one invocation.
type Result struct {
	Ran     bool      `json:"ran"`
	Cutoff  time.Time `json:"cutoff,omitempty"`
	Deleted int64     `json:"deleted"`
}

// Sweeper runs on every tick but acts only inside the trigger window.
// Deleting by cutoff makes repeated runs harmless.
type Sweeper struct {
	purgers []store.IntradayPurger
	clock   Clock
	opts    Options
	log     *slog.Logger
}

// New creates a Sweeper over one or more intraday stores.
func New(clock Clock, opts Options, purgers ...store.IntradayPurger) *Sweeper {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Sweeper{
		purgers: purgers,
		clock:   clock,
		opts:    opts,
		log:     opts.Log.With("component", "sweep"),
	}
}

// Sweep deletes intraday bars older than the retention when now is inside
// the trigger window, or unconditionally when force is set.
func (s *Sweeper) Sweep(ctx context.Context, force bool) (Result, error) {
	now := s.opts.Now()
	if !force && !s.clock.InLocalWindow(now, s.opts.Hour, s.opts.Minute, Window) {
		return Result{}, nil
	}

	res := Result{Ran: true, Cutoff: now.Add(-s.opts.Retention).UTC()}
	var errs []error
	for _, p := range s.purgers {
		n, err := p.DeleteIntradayBefore(ctx, res.Cutoff)
		res.Deleted += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error("sweep failed", "cutoff", res.Cutoff, "deleted", res.Deleted, "error", err)
		return res, fmt.Errorf("sweeping intraday bars: %w", err)
	}

	s.log.Info("sweep finished", "cutoff", res.Cutoff, "deleted", res.Deleted, "forced", force)
	return res, nil
}
