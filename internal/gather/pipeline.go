package gather

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"factsync/internal/config"
	"factsync/internal/domain"
	"factsync/internal/provider"
	"factsync/internal/reconcile"
	"factsync/internal/store"
	"factsync/internal/upsert"
)

// Compile-time interface check.
var _ Gatherer = (*Pipeline)(nil)

// AdapterSource yields the adapters covering a kind. *provider.Registry
// satisfies it.
type AdapterSource interface {
	For(kind domain.FactKind, freq domain.Frequency) []provider.Adapter
}

// WindowCalculator computes fetch windows. *window.Calculator satisfies it.
type WindowCalculator interface {
	Compute(kind domain.FactKind, watermark *time.Time, now time.Time) (domain.FetchWindow, error)
}

// Persister stores canonical records. *upsert.Persister satisfies it.
type Persister interface {
	Persist(ctx context.Context, target upsert.Target, recs []domain.CanonicalRecord) (int, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Symbols    store.SymbolSource
	Watermarks store.WatermarkStore
	Attempts   store.AttemptLog // optional
	Adapters   AdapterSource
	Windows    WindowCalculator
	Engine     *reconcile.Engine
	Persister  Persister
	Log        *slog.Logger

	// Now and Sleep default to the wall clock; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline runs one FactKind end to end. Runs of the same Pipeline never
// overlap.
type Pipeline struct {
	kind    domain.FactKind
	cfg     config.PipelineConfig
	deps    Deps
	log     *slog.Logger
	running atomic.Bool
}

// NewPipeline creates a pipeline for kind.
func NewPipeline(kind domain.FactKind, cfg config.PipelineConfig, deps Deps) *Pipeline {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Pipeline{
		kind: kind,
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With("pipeline", string(kind)),
	}
}

// Name returns the gatherer identifier.
func (p *Pipeline) Name() string { return string(p.kind) }

// Kind returns the fact kind the pipeline refreshes.
func (p *Pipeline) Kind() domain.FactKind { return p.kind }

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool { return p.running.Load() }

// item is one unit of work: a symbol, and for balance sheets a frequency.
type item struct {
	symbol string
	freq   domain.Frequency
}

// Run selects symbols and processes them in batches. It returns
// ErrRunActive if a run is already in progress, ErrNoSymbols if there is
// nothing to do, and an *InfrastructureError if the symbol source fails.
// Item failures are reported in the summary, never as an error.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer p.running.Store(false)

	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      p.kind,
		StartedAt: p.deps.Now().UTC(),
		Results:   []ItemResult{},
	}
	log := p.log.With("run_id", sum.RunID)

	symbols, err := p.selectSymbols(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	items := p.items(symbols, opts)

	log.Info("run started", "symbols", len(symbols), "items", len(items), "batch_size", p.cfg.BatchSize)

	results := make([]ItemResult, len(items))
	done := 0
	for start := 0; start < len(items); start += p.cfg.BatchSize {
		if start > 0 {
			if err := p.deps.Sleep(ctx, p.cfg.BatchDelay); err != nil {
				break
			}
		}
		end := min(start+p.cfg.BatchSize, len(items))

		var g errgroup.Group
		g.SetLimit(p.cfg.BatchSize)
		for i := start; i < end; i++ {
			if i > start {
				if err := p.deps.Sleep(ctx, p.cfg.ItemDelay); err != nil {
					break
				}
			}
			g.Go(func() error {
				results[i] = p.runItem(ctx, items[i])
				return nil
			})
			done = i + 1
		}
		g.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	for _, r := range results[:done] {
		sum.add(r, p.cfg.SampleLimit)
	}
	sum.FinishedAt = p.deps.Now().UTC()
	sum.Success = true

	log.Info("run finished",
		"processed", sum.Processed,
		"successful", sum.Successful,
		"skipped", sum.Skipped,
		"no_data", sum.NoData,
		"errors", sum.Errors,
		"retries", sum.Retries,
		"facts_written", sum.FactsWritten,
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt),
	)
	if done < len(items) {
		return sum, ctx.Err()
	}
	return sum, nil
}

// selectSymbols returns the explicit subset when given, otherwise the
// stalest symbols for the kind.
func (p *Pipeline) selectSymbols(ctx context.Context, opts RunOptions) ([]string, error) {
	limit := opts.MaxSymbols
	if limit <= 0 {
		limit = p.cfg.MaxSymbols
	}

	var (
		symbols []string
		err     error
	)
	if len(opts.Symbols) > 0 {
		symbols, err = p.deps.Symbols.ListSymbols(ctx, opts.Symbols)
	} else {
		olderThan := p.deps.Now().Add(-p.cfg.StaleAfter)
		symbols, err = p.deps.Symbols.StaleSymbols(ctx, p.kind, olderThan, limit)
	}
	if err != nil {
		return nil, &InfrastructureError{Op: "symbol source", Err: err}
	}
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols, nil
}

func (p *Pipeline) items(symbols []string, opts RunOptions) []item {
	freqs := []domain.Frequency{domain.FrequencyNone}
	if p.kind == domain.KindBalanceSheet {
		skipQ, skipA := p.cfg.SkipQuarterly, p.cfg.SkipAnnual
		if opts.SkipQuarterly != nil {
			skipQ = *opts.SkipQuarterly
		}
		if opts.SkipAnnual != nil {
			skipA = *opts.SkipAnnual
		}
		freqs = freqs[:0]
		if !skipQ {
			freqs = append(freqs, domain.FrequencyQuarterly)
		}
		if !skipA {
			freqs = append(freqs, domain.FrequencyAnnual)
		}
	}

	out := make([]item, 0, len(symbols)*len(freqs))
	for _, s := range symbols {
		for _, f := range freqs {
			out = append(out, item{symbol: s, freq: f})
		}
	}
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsInfrastructure reports whether err aborted a run for infrastructure
// reasons.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
