// Package app composes the ingestion daemon from configuration: stores,
// provider adapters, the trading calendar, pipelines, the retention
// sweeper, the cron schedule and the API server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/health"

	"factsync/internal/api"
	"factsync/internal/config"
	"factsync/internal/domain"
	"factsync/internal/gather"
	"factsync/internal/httpapi"
	"factsync/internal/provider"
	"factsync/internal/provider/alpacadata"
	"factsync/internal/reconcile"
	"factsync/internal/store"
	"factsync/internal/sweep"
	"factsync/internal/upsert"
	"factsync/internal/util"
	"factsync/internal/window"
)

const (
	// holidayHorizon is how far around today Alpaca holidays are loaded.
	holidayHorizon = 366 * 24 * time.Hour

	connectAttempts = 4
)

// App holds the composed components.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Calendar  *util.TradingCalendar
	Store     store.Relational
	Facts     *store.Router
	Intraday  *store.ParquetStore // nil with the relational intraday backend
	Registry  *provider.Registry
	Health    *health.Server
	Pipelines *api.Pipelines
	Sweeper   *sweep.Sweeper

	gatherers map[domain.FactKind]*gather.Pipeline
}

// New builds every component. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log, gatherers: make(map[domain.FactKind]*gather.Pipeline)}

	cal, err := newCalendar(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Calendar = cal

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	reg, err := newRegistry(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = reg

	priorities := make(map[domain.FactKind]reconcile.Priority, len(cfg.Priority))
	for name, order := range cfg.Priority {
		kind, err := domain.ParseKind(name)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("priority: %w", err)
		}
		priorities[kind] = order
	}
	engine := reconcile.NewEngine(priorities)
	windows := window.NewCalculator(window.DefaultPolicies(), cal)
	persister := upsert.New(a.Facts, a.Store, log)

	var gs []gather.Gatherer
	for _, kind := range domain.AllKinds {
		pcfg, _ := cfg.Gather.Pipeline(string(kind))
		p := gather.NewPipeline(kind, pcfg, gather.Deps{
			Symbols:    a.Store,
			Watermarks: a.Store,
			Attempts:   a.Store,
			Adapters:   reg,
			Windows:    windows,
			Engine:     engine,
			Persister:  persister,
			Log:        log,
		})
		a.gatherers[kind] = p
		gs = append(gs, p)
	}

	a.Health = health.NewServer()
	if a.Pipelines, err = api.NewPipelines(a.Health, log, gs...); err != nil {
		a.Close()
		return nil, err
	}

	purgers := []store.IntradayPurger{a.Store}
	if a.Intraday != nil {
		purgers = append(purgers, a.Intraday)
	}
	a.Sweeper = sweep.New(cal, sweep.Options{
		Hour:      cfg.Sweep.Hour,
		Minute:    cfg.Sweep.Minute,
		Retention: cfg.Sweep.Retention,
		Log:       log,
	}, purgers...)

	log.Info("app initialised",
		"backend", cfg.Storage.Backend,
		"intraday_backend", cfg.Storage.IntradayBackend,
		"providers", reg.Names(),
	)
	return a, nil
}

func newCalendar(cfg *config.Config, log *slog.Logger) (*util.TradingCalendar, error) {
	hour, minute, err := cfg.Calendar.OpenClock()
	if err != nil {
		return nil, err
	}
	cal, err := util.NewTradingCalendar(cfg.Calendar.Zone, hour, minute)
	if err != nil {
		return nil, err
	}

	holidays := cfg.Calendar.HolidayDates()
	if cfg.Calendar.LoadFromAlpaca && cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		now := time.Now()
		client := alpacadata.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		loaded, err := alpacadata.LoadHolidays(client, now.Add(-holidayHorizon), now.Add(holidayHorizon))
		if err != nil {
			log.Warn("loading holidays from alpaca failed, using configured list", "error", err)
		} else {
			holidays = append(holidays, loaded...)
		}
	}
	cal.SetHolidays(holidays)
	return cal, nil
}

func (a *App) openStores(ctx context.Context) error {
	st := a.Config.Storage
	switch st.Backend {
	case "postgres":
		var pg *store.PostgresStore
		err := util.Retry(ctx, connectAttempts, time.Second, nil, func(ctx context.Context) error {
			var err error
			pg, err = store.NewPostgresStore(ctx, st.DatabaseURL, store.PostgresOptions{})
			if err != nil {
				a.Log.Warn("postgres not ready", "error", err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("opening postgres: %w", err)
		}
		a.Store = pg
	default:
		if err := os.MkdirAll(filepath.Dir(st.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("creating sqlite dir: %w", err)
		}
		lite, err := store.NewSQLiteStore(st.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite: %w", err)
		}
		a.Store = lite
	}

	a.Facts = &store.Router{Relational: a.Store}
	if st.IntradayBackend == "parquet" {
		a.Intraday = store.NewParquetStore(st.DataDir)
		a.Facts.Intraday = a.Intraday
	}
	return nil
}

func newRegistry(cfg *config.Config, log *slog.Logger) (*provider.Registry, error) {
	client := &http.Client{}
	creds := make(map[string]provider.Credentials, len(cfg.Providers))
	for name, p := range cfg.Providers {
		creds[name] = provider.Credentials{
			APIKey:          p.APIKey,
			BaseURL:         p.BaseURL,
			RateLimitPerMin: p.RateLimitPerMin,
			Disabled:        p.Disabled,
		}
	}
	adapters, err := provider.BuildHTTP(creds, client, log)
	if err != nil {
		return nil, err
	}
	reg := provider.NewRegistry(adapters...)

	if !cfg.Providers[provider.Alpaca].Disabled {
		reg.Add(alpacadata.New(alpacadata.Options{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
			HTTPClient:      client,
			Logger:          log,
		}))
	}
	return reg, nil
}

// Pipeline returns the pipeline of a kind.
func (a *App) Pipeline(kind domain.FactKind) (*gather.Pipeline, bool) {
	p, ok := a.gatherers[kind]
	return p, ok
}

// Run triggers one run of a kind's pipeline, updating health.
func (a *App) Run(ctx context.Context, kind domain.FactKind, opts gather.RunOptions) (*gather.Summary, error) {
	return a.Pipelines.Run(ctx, kind, opts)
}

// Server builds the API server.
func (a *App) Server() *api.Server {
	routes := httpapi.NewServer(a.Pipelines, a.Facts, a.Log)
	return api.NewServer(a.Config.Server, routes, a.Pipelines, a.Health, a.Store, a.Log)
}

// Serve runs the cron schedule and the API server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.Scheduler(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
		a.Log.Info("scheduler stopped")
	}()

	return a.Server().ListenAndServe(ctx)
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// ImportSymbols adds the symbols of a CSV file to the registry and returns
// how many were new and the rejected values.
func (a *App) ImportSymbols(ctx context.Context, path string) (int, []string, error) {
	symbols, rejected, err := store.LoadCSVSymbols(path)
	if err != nil {
		return 0, nil, err
	}
	if len(symbols) == 0 {
		return 0, rejected, errors.New("no valid symbols in file")
	}
	added, err := a.Store.AddSymbols(ctx, symbols)
	if err != nil {
		return 0, rejected, err
	}
	a.Log.Info("symbols imported", "path", path, "added", added, "rejected", len(rejected))
	return added, rejected, nil
}
