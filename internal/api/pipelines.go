package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"factsync/internal/domain"
	"factsync/internal/gather"
	"factsync/internal/httpapi"
)

var _ httpapi.Runner = (*Pipelines)(nil)

// ServiceName is the health-check service name of a kind's pipeline.
func ServiceName(kind domain.FactKind) string {
	return "factsync.pipeline." + string(kind)
}

// Pipelines dispatches runs by kind and mirrors their health into a gRPC
// health server. A pipeline goes NOT_SERVING when a run aborts on an
// infrastructure error and back to SERVING after a completed run. The
// overall service ("") is NOT_SERVING while any pipeline is.
type Pipelines struct {
	health *health.Server
	log    *slog.Logger

	mu       sync.Mutex
	byKind   map[domain.FactKind]gather.Gatherer
	degraded map[domain.FactKind]bool
}

// NewPipelines creates a dispatcher. Every gatherer's Name must parse as a
// FactKind.
func NewPipelines(hs *health.Server, log *slog.Logger, gs ...gather.Gatherer) (*Pipelines, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipelines{
		health:   hs,
		log:      log,
		byKind:   make(map[domain.FactKind]gather.Gatherer, len(gs)),
		degraded: make(map[domain.FactKind]bool),
	}
	for _, g := range gs {
		kind, err := domain.ParseKind(g.Name())
		if err != nil {
			return nil, err
		}
		p.byKind[kind] = g
		hs.SetServingStatus(ServiceName(kind), healthpb.HealthCheckResponse_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return p, nil
}

// Kinds lists the configured kinds in stable order.
func (p *Pipelines) Kinds() []domain.FactKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.FactKind, 0, len(p.byKind))
	for k := range p.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run implements httpapi.Runner.
func (p *Pipelines) Run(ctx context.Context, kind domain.FactKind, opts gather.RunOptions) (*gather.Summary, error) {
	p.mu.Lock()
	g, ok := p.byKind[kind]
	p.mu.Unlock()
	if !ok {
		return nil, httpapi.ErrUnknownPipeline
	}

	sum, err := g.Run(ctx, opts)
	switch {
	case err == nil:
		p.setDegraded(kind, false)
	case gather.IsInfrastructure(err):
		p.log.Error("pipeline degraded", "kind", kind, "error", err)
		p.setDegraded(kind, true)
	}
	return sum, err
}

func (p *Pipelines) setDegraded(kind domain.FactKind, degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if degraded {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		p.degraded[kind] = true
	} else {
		delete(p.degraded, kind)
	}
	p.health.SetServingStatus(ServiceName(kind), status)

	overall := healthpb.HealthCheckResponse_SERVING
	if len(p.degraded) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus("", overall)
}
