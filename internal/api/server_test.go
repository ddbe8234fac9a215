package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"factsync/internal/config"
	"factsync/internal/domain"
	"factsync/internal/gather"
	"factsync/internal/httpapi"
	"factsync/internal/store"
)

type fakeGatherer struct {
	name string
	err  error
}

func (f *fakeGatherer) Name() string { return f.name }

func (f *fakeGatherer) Run(context.Context, gather.RunOptions) (*gather.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gather.Summary{Success: true}, nil
}

type noFacts struct{}

func (noFacts) ReadFacts(context.Context, store.FactQuery) ([]domain.CanonicalRecord, error) {
	return nil, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func status(t *testing.T, hs *health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestPipelinesHealthTransitions(t *testing.T) {
	hs := health.NewServer()
	div := &fakeGatherer{name: "dividend"}
	quote := &fakeGatherer{name: "quote"}
	p, err := NewPipelines(hs, nil, div, quote)
	if err != nil {
		t.Fatalf("NewPipelines: %v", err)
	}

	if got := status(t, hs, ServiceName(domain.KindDividend)); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("initial status = %v", got)
	}

	div.err = &gather.InfrastructureError{Op: "symbol source", Err: errors.New("db down")}
	if _, err := p.Run(context.Background(), domain.KindDividend, gather.RunOptions{}); !gather.IsInfrastructure(err) {
		t.Fatalf("Run err = %v", err)
	}
	if got := status(t, hs, ServiceName(domain.KindDividend)); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("dividend = %v, want NOT_SERVING", got)
	}
	if got := status(t, hs, ServiceName(domain.KindQuote)); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("quote = %v, want SERVING", got)
	}
	if got := status(t, hs, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v, want NOT_SERVING", got)
	}

	// Rejections leave health alone.
	div.err = gather.ErrNoSymbols
	p.Run(context.Background(), domain.KindDividend, gather.RunOptions{})
	if got := status(t, hs, ServiceName(domain.KindDividend)); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("dividend after rejection = %v", got)
	}

	div.err = nil
	if _, err := p.Run(context.Background(), domain.KindDividend, gather.RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := status(t, hs, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall after recovery = %v", got)
	}
}

func TestPipelinesUnknownKind(t *testing.T) {
	p, err := NewPipelines(health.NewServer(), nil, &fakeGatherer{name: "quote"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), domain.KindIntraday, gather.RunOptions{}); !errors.Is(err, httpapi.ErrUnknownPipeline) {
		t.Fatalf("err = %v, want ErrUnknownPipeline", err)
	}
	if _, err := NewPipelines(health.NewServer(), nil, &fakeGatherer{name: "options"}); err == nil {
		t.Fatal("expected error for unknown gatherer name")
	}
}

func newTestServer(t *testing.T, pinger Pinger, gs ...gather.Gatherer) (*Server, *Pipelines) {
	t.Helper()
	hs := health.NewServer()
	p, err := NewPipelines(hs, nil, gs...)
	if err != nil {
		t.Fatal(err)
	}
	routes := httpapi.NewServer(p, noFacts{}, nil)
	return NewServer(config.Server{}, routes, p, hs, pinger, nil), p
}

func TestHealthEndpoint(t *testing.T) {
	div := &fakeGatherer{name: "dividend"}
	s, p := newTestServer(t, fakePinger{}, div)

	get := func() (*httptest.ResponseRecorder, HealthJSON) {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		var out HealthJSON
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
		return w, out
	}

	w, out := get()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if string(out.Status) != `{"status":"SERVING"}` {
		t.Errorf("overall = %s", out.Status)
	}
	if string(out.Pipelines["dividend"]) != `{"status":"SERVING"}` {
		t.Errorf("dividend = %s", out.Pipelines["dividend"])
	}

	div.err = &gather.InfrastructureError{Op: "symbol source", Err: errors.New("db down")}
	p.Run(context.Background(), domain.KindDividend, gather.RunOptions{})

	w, out = get()
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if string(out.Pipelines["dividend"]) != `{"status":"NOT_SERVING"}` {
		t.Errorf("dividend = %s", out.Pipelines["dividend"])
	}
}

func TestHealthEndpointStoreDown(t *testing.T) {
	s, _ := newTestServer(t, fakePinger{err: errors.New("connection refused")}, &fakeGatherer{name: "quote"})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var out HealthJSON
	json.Unmarshal(w.Body.Bytes(), &out)
	if out.Storage != "connection refused" {
		t.Errorf("storage = %q", out.Storage)
	}
}

func TestTriggerThroughServer(t *testing.T) {
	s, _ := newTestServer(t, nil, &fakeGatherer{name: "quote", err: gather.ErrRunActive})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/pipelines/quote/run", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestGRPCHealthAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, nil, &fakeGatherer{name: "quote"})

	grpcLis := bufconn.Listen(1 << 20)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, httpLis, grpcLis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return grpcLis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	resp, err := healthpb.NewHealthClient(conn).Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName(domain.KindQuote)})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
