// Package gather runs the ingestion pipelines: it selects symbols, computes
// fetch windows, fans out to provider adapters, reconciles and persists, in
// rate-limited batches with a single retry per item.
package gather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"factsync/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run executes one pipeline run and blocks until it completes.
	Run(ctx context.Context, opts RunOptions) (*Summary, error)
}

// RunOptions narrows a single run. Zero values fall back to the pipeline
// configuration.
type RunOptions struct {
	Symbols       []string `json:"symbols,omitempty"`
	MaxSymbols    int      `json:"maxSymbols,omitempty"`
	SkipQuarterly *bool    `json:"skipQuarterly,omitempty"`
	SkipAnnual    *bool    `json:"skipAnnual,omitempty"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrNoConsensus means every adapter for an item failed.
	ErrNoConsensus = errors.New("no provider answered")

	// ErrNoSymbols means the symbol source yielded nothing to refresh.
	ErrNoSymbols = errors.New("no symbols to process")

	// ErrRunActive rejects a run while another of the same kind is active.
	ErrRunActive = errors.New("pipeline run already active")
)

// InfrastructureError aborts a run: the symbol source or store is
// unreachable.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// ItemResult is the terminal state of one batch item.
type ItemResult struct {
	Symbol       string           `json:"symbol"`
	Frequency    domain.Frequency `json:"frequency,omitempty"`
	Outcome      domain.Outcome   `json:"outcome"`
	Attempts     int              `json:"attempts"`
	FactsWritten int              `json:"factsWritten"`
	Providers    []string         `json:"providers,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	ElapsedMs    int64            `json:"elapsedMs"`
}

// Summary aggregates a run.
type Summary struct {
	Success      bool            `json:"success"`
	RunID        string          `json:"runId"`
	Kind         domain.FactKind `json:"kind"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	Processed    int             `json:"processed"`
	Successful   int             `json:"successful"`
	Skipped      int             `json:"skipped"`
	NoData       int             `json:"noData"`
	Errors       int             `json:"errors"`
	Retries      int             `json:"retries"`
	FactsWritten int             `json:"factsWritten"`
	Results      []ItemResult    `json:"results"`
}

// add folds one item into the summary, keeping at most limit samples.
func (s *Summary) add(r ItemResult, limit int) {
	s.Processed++
	switch r.Outcome {
	case domain.OutcomeSuccess:
		s.Successful++
	case domain.OutcomeSkipped:
		s.Skipped++
	case domain.OutcomeNoData:
		s.NoData++
	default:
		s.Errors++
	}
	if r.Attempts > 1 {
		s.Retries += r.Attempts - 1
	}
	s.FactsWritten += r.FactsWritten
	if len(s.Results) < limit {
		s.Results = append(s.Results, r)
	}
}
