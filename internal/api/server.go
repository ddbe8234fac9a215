// Package api hosts the HTTP trigger surface and the gRPC health service
// of the ingestion daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"factsync/internal/config"
	"factsync/internal/httpapi"
)

// Pinger checks that the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	pingTimeout     = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg       config.Server
	health    *health.Server
	pipelines *Pipelines
	pinger    Pinger
	log       *slog.Logger

	handler http.Handler
	grpc    *grpc.Server
}

// NewServer wires the HTTP routes of routes plus GET /api/health and
// registers hs on a new gRPC server. pinger may be nil.
func NewServer(cfg config.Server, routes *httpapi.Server, pipelines *Pipelines, hs *health.Server, pinger Pinger, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		health:    hs,
		pipelines: pipelines,
		pinger:    pinger,
		log:       log,
	}

	mux := http.NewServeMux()
	routes.RegisterRoutes(mux)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	s.handler = httpapi.CORS(mux)

	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, hs)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// GRPC returns the gRPC server.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	grpcLis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.GRPCPort)))
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve runs both servers on the given listeners until ctx is done.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	srv := &http.Server{Handler: s.handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", httpLis.Addr().String())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("grpc server listening", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})
	return g.Wait()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.log.Info("shutting down servers")
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	err := srv.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	return err
}

// HealthJSON is the body of GET /api/health. Status fields hold the
// protojson rendering of grpc.health.v1.HealthCheckResponse.
type HealthJSON struct {
	Status    json.RawMessage            `json:"status"`
	Storage   string                     `json:"storage"`
	Pipelines map[string]json.RawMessage `json:"pipelines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.check(r.Context(), "")

	storage := "ok"
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := s.pinger.Ping(ctx)
		cancel()
		if err != nil {
			storage = err.Error()
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	out := HealthJSON{
		Status:    marshalStatus(overall),
		Storage:   storage,
		Pipelines: make(map[string]json.RawMessage),
	}
	for _, kind := range s.pipelines.Kinds() {
		out.Pipelines[string(kind)] = marshalStatus(s.check(r.Context(), ServiceName(kind)))
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("encoding health response", "error", err)
	}
}

func (s *Server) check(ctx context.Context, service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

func marshalStatus(st healthpb.HealthCheckResponse_ServingStatus) json.RawMessage {
	b, err := protojson.Marshal(&healthpb.HealthCheckResponse{Status: st})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
