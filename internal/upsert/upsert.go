// Package upsert persists canonical records idempotently and is the only
// writer of watermarks.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"factsync/internal/domain"
	"factsync/internal/store"
)

// Target identifies the batch item a set of records belongs to.
type Target struct {
	Symbol    string
	Kind      domain.FactKind
	Frequency domain.Frequency
}

// WatermarkKey returns the watermark the target advances.
func (t Target) WatermarkKey() domain.WatermarkKey {
	return domain.WatermarkKey{Symbol: t.Symbol, Kind: t.Kind, Frequency: t.Frequency}
}

func (t Target) String() string { return t.WatermarkKey().String() }

// PersistenceError reports a failed read or write against the store.
type PersistenceError struct {
	Target Target
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persister writes canonical records and advances watermarks.
type Persister struct {
	facts store.FactStore
	marks store.WatermarkStore
	log   *slog.Logger
}

// New creates a Persister.
func New(facts store.FactStore, marks store.WatermarkStore, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{facts: facts, marks: marks, log: log}
}

// Persist stores recs for target and returns how many were written.
//
// Append-only kinds skip records whose natural key is already stored or
// repeated within recs, so calling Persist twice with the same input writes
// nothing the second time. Quotes are always overwritten. Once the write
// succeeds the watermark moves to the newest key (the fetch instant for
// quotes) unless the stored one is newer.
func (p *Persister) Persist(ctx context.Context, target Target, recs []domain.CanonicalRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var (
		toWrite []domain.CanonicalRecord
		newest  time.Time
	)
	if target.Kind.AppendOnly() {
		var err error
		toWrite, err = p.novel(ctx, target, recs)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if r.Key.After(newest) {
				newest = r.Key
			}
		}
	} else {
		toWrite = recs
		for _, r := range recs {
			if r.FetchedAt.After(newest) {
				newest = r.FetchedAt
			}
		}
	}

	written := 0
	if len(toWrite) > 0 {
		n, err := p.facts.WriteFacts(ctx, toWrite)
		if err != nil {
			return 0, &PersistenceError{Target: target, Op: "write facts", Err: err}
		}
		written = n
	}

	if err := p.advance(ctx, target, newest); err != nil {
		return written, err
	}

	p.log.Debug("persisted facts",
		"symbol", target.Symbol,
		"kind", target.Kind,
		"frequency", target.Frequency,
		"incoming", len(recs),
		"written", written,
	)
	return written, nil
}

// novel drops records already stored or duplicated within recs.
func (p *Persister) novel(ctx context.Context, target Target, recs []domain.CanonicalRecord) ([]domain.CanonicalRecord, error) {
	cutoff := recs[0].Key
	for _, r := range recs[1:] {
		if r.Key.Before(cutoff) {
			cutoff = r.Key
		}
	}

	existing, err := p.facts.ExistingKeys(ctx, target.Kind, target.Symbol, target.Frequency, cutoff)
	if err != nil {
		return nil, &PersistenceError{Target: target, Op: "existing keys", Err: err}
	}

	out := make([]domain.CanonicalRecord, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		k := r.NaturalKey()
		if existing[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out, nil
}

// advance records a refresh of target, never moving the watermark back.
func (p *Persister) advance(ctx context.Context, target Target, newest time.Time) error {
	if newest.IsZero() {
		return nil
	}
	key := target.WatermarkKey()
	current, err := p.marks.GetWatermark(ctx, key)
	if err != nil {
		return &PersistenceError{Target: target, Op: "get watermark", Err: err}
	}
	if current != nil && current.After(newest) {
		newest = *current
	}
	if err := p.marks.SetWatermark(ctx, key, newest); err != nil {
		return &PersistenceError{Target: target, Op: "set watermark", Err: err}
	}
	return nil
}
