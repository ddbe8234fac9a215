package gather

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"factsync/internal/domain"
	"factsync/internal/provider"
	"factsync/internal/upsert"
)

// attemptResult is the outcome of one pass over an item.
type attemptResult struct {
	outcome   domain.Outcome
	written   int
	providers []string
	reason    string
	err       error
}

// runItem drives an item through its state machine: one attempt, and on
// error or no data exactly one more after RetryDelay.
func (p *Pipeline) runItem(ctx context.Context, it item) ItemResult {
	start := p.deps.Now()
	log := p.log.With("symbol", it.symbol)
	if it.freq != domain.FrequencyNone {
		log = log.With("frequency", string(it.freq))
	}

	res := ItemResult{Symbol: it.symbol, Frequency: it.freq, Outcome: domain.OutcomePending}
	a := p.attempt(ctx, it)
	res.Attempts = 1
	written := a.written
	if a.outcome.Retryable() {
		log.Debug("retrying item", "outcome", a.outcome, "err", a.err)
		if err := p.deps.Sleep(ctx, p.cfg.RetryDelay); err == nil {
			a = p.attempt(ctx, it)
			res.Attempts = 2
			written += a.written
		}
	}

	res.Outcome = a.outcome
	res.FactsWritten = written
	res.Providers = a.providers
	res.Reason = a.reason
	if a.err != nil {
		res.Error = a.err.Error()
	}
	res.ElapsedMs = p.deps.Now().Sub(start).Milliseconds()

	switch a.outcome {
	case domain.OutcomeError:
		log.Warn("item failed", "outcome", a.outcome, "attempts", res.Attempts, "err", a.err)
	default:
		log.Debug("item done", "outcome", a.outcome, "attempts", res.Attempts, "written", written)
	}

	if p.deps.Attempts != nil {
		if err := p.deps.Attempts.RecordAttempt(ctx, it.symbol, p.kind, a.outcome, p.deps.Now().UTC()); err != nil {
			log.Warn("recording attempt failed", "err", err)
		}
	}
	return res
}

// attempt computes the window, fans out to adapters, merges and persists.
func (p *Pipeline) attempt(ctx context.Context, it item) attemptResult {
	now := p.deps.Now().UTC()
	key := domain.WatermarkKey{Symbol: it.symbol, Kind: p.kind, Frequency: it.freq}

	wm, err := p.deps.Watermarks.GetWatermark(ctx, key)
	if err != nil {
		return attemptResult{outcome: domain.OutcomeError, err: fmt.Errorf("reading watermark: %w", err)}
	}
	win, err := p.deps.Windows.Compute(p.kind, wm, now)
	if err != nil {
		return attemptResult{outcome: domain.OutcomeError, err: err}
	}
	if win.Empty {
		return attemptResult{outcome: domain.OutcomeSkipped, reason: win.Reason}
	}

	adapters := p.deps.Adapters.For(p.kind, it.freq)
	if len(adapters) == 0 {
		return attemptResult{outcome: domain.OutcomeSkipped, reason: "no provider covers this kind"}
	}

	req := provider.Request{
		Symbol:    it.symbol,
		Kind:      p.kind,
		Frequency: it.freq,
		Window:    win,
	}
	if p.kind == domain.KindIntraday {
		req.PeriodType = domain.DefaultPeriodType
	}

	raws, err := p.fanOut(ctx, adapters, req)
	if err != nil {
		return attemptResult{outcome: domain.OutcomeError, err: err}
	}

	merged := p.deps.Engine.Merge(raws, now)
	if len(merged) == 0 {
		return attemptResult{outcome: domain.OutcomeNoData, reason: "providers returned no usable records"}
	}

	written, err := p.deps.Persister.Persist(ctx, upsert.Target{Symbol: it.symbol, Kind: p.kind, Frequency: it.freq}, merged)
	if err != nil {
		// Facts may be stored even when the watermark write failed.
		return attemptResult{outcome: domain.OutcomeError, written: written, err: err}
	}
	return attemptResult{outcome: domain.OutcomeSuccess, written: written, providers: contributors(merged)}
}

// fanOut calls every adapter concurrently, each bounded by AdapterTimeout,
// and keeps the records matching the item. It fails with ErrNoConsensus
// only when every adapter failed.
func (p *Pipeline) fanOut(ctx context.Context, adapters []provider.Adapter, req provider.Request) ([]domain.RawRecord, error) {
	type answer struct {
		recs []domain.RawRecord
		err  error
	}
	answers := make([]answer, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actx, cancel := p.adapterContext(ctx)
			defer cancel()
			recs, err := a.Fetch(actx, req)
			answers[i] = answer{recs: recs, err: err}
		}()
	}
	wg.Wait()

	var (
		raws []domain.RawRecord
		errs []error
	)
	for i, ans := range answers {
		if ans.err != nil {
			p.log.Warn("adapter failed",
				"provider", adapters[i].Name(),
				"symbol", req.Symbol,
				"err", ans.err,
			)
			errs = append(errs, ans.err)
			continue
		}
		for _, r := range ans.recs {
			if r.Symbol == req.Symbol && r.Kind == req.Kind && r.Frequency == req.Frequency {
				raws = append(raws, r)
			}
		}
	}
	if len(errs) == len(adapters) {
		return nil, fmt.Errorf("%w: %w", ErrNoConsensus, errors.Join(errs...))
	}
	return raws, nil
}

func (p *Pipeline) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.AdapterTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	}
	return context.WithCancel(ctx)
}

// contributors lists the distinct providers behind merged records.
func contributors(recs []domain.CanonicalRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range recs {
		for _, name := range r.Providers {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
