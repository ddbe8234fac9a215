package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the factsync ingestion service.
type Config struct {
	Storage   Storage                   `yaml:"storage"`
	Server    Server                    `yaml:"server"`
	Alpaca    Alpaca                    `yaml:"alpaca"`
	Logging   Logging                   `yaml:"logging"`
	Calendar  Calendar                  `yaml:"calendar"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Priority  map[string][]string       `yaml:"priority"`
	Gather    GatherConfig              `yaml:"gather"`
	Sweep     SweepConfig               `yaml:"sweep"`
}

// Storage selects and locates the persistence backends.
type Storage struct {
	DataDir         string `yaml:"data_dir"`
	Backend         string `yaml:"backend"` // sqlite | postgres
	SQLitePath      string `yaml:"sqlite_path"`
	DatabaseURL     string `yaml:"database_url"`
	IntradayBackend string `yaml:"intraday_backend"` // parquet | relational
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Calendar configures the exchange trading calendar.
type Calendar struct {
	Zone        string   `yaml:"zone"`
	SessionOpen string   `yaml:"session_open"` // HH:MM exchange-local
	Holidays    []string `yaml:"holidays"`     // YYYY-MM-DD
	// LoadFromAlpaca fetches market holidays from the Alpaca calendar API
	// at startup when Alpaca credentials are present.
	LoadFromAlpaca bool `yaml:"load_from_alpaca"`
}

// ProviderConfig holds the credential and limits of one data provider.
type ProviderConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Disabled        bool   `yaml:"disabled"`
}

// GatherConfig holds one pipeline configuration per fact kind.
type GatherConfig struct {
	Dividend     PipelineConfig `yaml:"dividend"`
	Quote        PipelineConfig `yaml:"quote"`
	BalanceSheet PipelineConfig `yaml:"balance_sheet"`
	Intraday     PipelineConfig `yaml:"intraday"`
}

// PipelineConfig holds parameters for a single ingestion pipeline.
type PipelineConfig struct {
	Schedule       string        `yaml:"schedule"` // cron spec; "off" disables
	BatchSize      int           `yaml:"batch_size"`
	ItemDelay      time.Duration `yaml:"item_delay"`
	BatchDelay     time.Duration `yaml:"batch_delay"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
	MaxSymbols     int           `yaml:"max_symbols"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SampleLimit    int           `yaml:"sample_limit"`
	SkipQuarterly  bool          `yaml:"skip_quarterly"`
	SkipAnnual     bool          `yaml:"skip_annual"`
}

// SweepConfig controls the intraday retention sweeper.
type SweepConfig struct {
	Schedule  string        `yaml:"schedule"`
	Hour      int           `yaml:"hour"`
	Minute    int           `yaml:"minute"`
	Retention time.Duration `yaml:"retention"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults, applies environment variable overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, used when no
// file exists.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// newConfig seeds defaults whose zero value is a valid setting, so the YAML
// decoder only replaces them when the key is present.
func newConfig() *Config {
	return &Config{Sweep: SweepConfig{Hour: 9}}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = cfg.Storage.DataDir + "/factsync.db"
	}
	if cfg.Storage.IntradayBackend == "" {
		cfg.Storage.IntradayBackend = "parquet"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}

	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Calendar.Zone == "" {
		cfg.Calendar.Zone = "America/New_York"
	}
	if cfg.Calendar.SessionOpen == "" {
		cfg.Calendar.SessionOpen = "09:30"
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	defaultPipeline(&cfg.Gather.Dividend, "0 6 * * 1-5")
	defaultPipeline(&cfg.Gather.Quote, "*/15 9-16 * * 1-5")
	defaultPipeline(&cfg.Gather.BalanceSheet, "0 7 * * 6")
	defaultPipeline(&cfg.Gather.Intraday, "*/5 9-16 * * 1-5")

	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "* * * * *"
	}
	if cfg.Sweep.Retention == 0 {
		cfg.Sweep.Retention = 24 * time.Hour
	}
}

func defaultPipeline(p *PipelineConfig, schedule string) {
	if p.Schedule == "" {
		p.Schedule = schedule
	}
	if p.BatchSize == 0 {
		p.BatchSize = 5
	}
	if p.ItemDelay == 0 {
		p.ItemDelay = 250 * time.Millisecond
	}
	if p.BatchDelay == 0 {
		p.BatchDelay = 15 * time.Second
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = 2 * time.Second
	}
	if p.AdapterTimeout == 0 {
		p.AdapterTimeout = 10 * time.Second
	}
	if p.MaxSymbols == 0 {
		p.MaxSymbols = 50
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 24 * time.Hour
	}
	if p.SampleLimit == 0 {
		p.SampleLimit = 20
	}
}

// providerEnv maps provider names to the environment variable carrying
// their API key.
var providerEnv = map[string]string{
	"finnhub":       "FINNHUB_API_KEY",
	"alpha_vantage": "ALPHA_VANTAGE_API_KEY",
	"fmp":           "FMP_API_KEY",
	"twelve_data":   "TWELVE_DATA_API_KEY",
	"tiingo":        "TIINGO_API_KEY",
	"polygon":       "POLYGON_API_KEY",
	"api_ninjas":    "API_NINJAS_API_KEY",
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	for name, env := range providerEnv {
		if v := os.Getenv(env); v != "" {
			p := cfg.Providers[name]
			p.APIKey = v
			cfg.Providers[name] = p
		}
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want sqlite or postgres", c.Storage.Backend))
	}
	switch c.Storage.IntradayBackend {
	case "parquet", "relational":
	default:
		errs = append(errs, fmt.Errorf("storage.intraday_backend %q: want parquet or relational", c.Storage.IntradayBackend))
	}

	if _, _, err := c.Calendar.OpenClock(); err != nil {
		errs = append(errs, err)
	}
	for _, h := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Errorf("calendar.holidays: %q is not YYYY-MM-DD", h))
		}
	}

	for name, p := range map[string]PipelineConfig{
		"dividend":      c.Gather.Dividend,
		"quote":         c.Gather.Quote,
		"balance_sheet": c.Gather.BalanceSheet,
		"intraday":      c.Gather.Intraday,
	} {
		if p.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("gather.%s.batch_size must be positive", name))
		}
		if p.BatchDelay > 0 && p.AdapterTimeout >= p.BatchDelay {
			errs = append(errs, fmt.Errorf("gather.%s.adapter_timeout (%s) must be shorter than batch_delay (%s)",
				name, p.AdapterTimeout, p.BatchDelay))
		}
		if p.ItemDelay < 0 || p.RetryDelay < 0 {
			errs = append(errs, fmt.Errorf("gather.%s: delays must not be negative", name))
		}
	}

	if c.Sweep.Hour < 0 || c.Sweep.Hour > 23 || c.Sweep.Minute < 0 || c.Sweep.Minute > 59 {
		errs = append(errs, fmt.Errorf("sweep: invalid trigger time %02d:%02d", c.Sweep.Hour, c.Sweep.Minute))
	}

	return errors.Join(errs...)
}

// OpenClock parses Calendar.SessionOpen.
func (c Calendar) OpenClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.SessionOpen))
	if err != nil {
		return 0, 0, fmt.Errorf("calendar.session_open %q: want HH:MM", c.SessionOpen)
	}
	return t.Hour(), t.Minute(), nil
}

// HolidayDates parses Calendar.Holidays; invalid entries are rejected by
// Validate.
func (c Calendar) HolidayDates() []time.Time {
	out := make([]time.Time, 0, len(c.Holidays))
	for _, h := range c.Holidays {
		if d, err := time.Parse("2006-01-02", h); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// Pipeline returns the pipeline configuration for a kind name.
func (g GatherConfig) Pipeline(kind string) (PipelineConfig, bool) {
	switch kind {
	case "dividend":
		return g.Dividend, true
	case "quote":
		return g.Quote, true
	case "balance_sheet":
		return g.BalanceSheet, true
	case "intraday":
		return g.Intraday, true
	}
	return PipelineConfig{}, false
}
