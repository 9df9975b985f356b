// Package config builds the single configuration struct threaded through
// every listingsync service. Values come from defaults, then an optional YAML
// file, then LISTINGSYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roquehomemaster/listingsync/internal/alerting"
)

type Config struct {
	Server      Server      `yaml:"server"`
	Store       Store       `yaml:"store"`
	Catalog     Catalog     `yaml:"catalog"`
	Marketplace Marketplace `yaml:"marketplace"`
	OAuth       OAuth       `yaml:"oauth"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Breaker     Breaker     `yaml:"breaker"`
	Worker      Worker      `yaml:"worker"`
	Reconcile   Reconcile   `yaml:"reconcile"`
	Policy      Policy      `yaml:"policy"`
	Alerts      Alerts      `yaml:"alerts"`
	Mapper      Mapper      `yaml:"mapper"`
	Features    Features    `yaml:"features"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	AdminSecret     string        `yaml:"admin_secret"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Store struct {
	// DSN selects the sync-state backend: memory://, file://path,
	// sqlite://path or postgres://...
	DSN string `yaml:"dsn"`
}

type Catalog struct {
	DSN            string `yaml:"dsn"`
	FixturePath    string `yaml:"fixture_path"`
	MaxConns       int    `yaml:"max_conns"`
	SimpleProtocol bool   `yaml:"simple_protocol"`
}

const (
	ModeMock    = "mock"
	ModeNetwork = "network"
)

type Marketplace struct {
	Mode      string        `yaml:"mode"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

const (
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantStatic            = "static"
)

type OAuth struct {
	Grant             string        `yaml:"grant"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	TokenURL          string        `yaml:"token_url"`
	Scopes            []string      `yaml:"scopes"`
	RefreshToken      string        `yaml:"refresh_token"`
	StaticToken       string        `yaml:"static_token"`
	SafetyWindow      time.Duration `yaml:"safety_window"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
	LogCooldown       time.Duration `yaml:"log_cooldown"`
	// RecoveryInterval spaces recovery refreshes while degraded.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type RateLimit struct {
	RatePerSecond      float64       `yaml:"rate_per_second"`
	Burst              int           `yaml:"burst"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	NearDepletionRatio float64       `yaml:"near_depletion_ratio"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type Worker struct {
	Interval             time.Duration `yaml:"interval"`
	Burst                int           `yaml:"burst"`
	IdleDelay            time.Duration `yaml:"idle_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	PermanentMaxAttempts int           `yaml:"permanent_max_attempts"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	JitterFraction       float64       `yaml:"jitter_fraction"`
	ClaimTimeout         time.Duration `yaml:"claim_timeout"`
	LockFile             string        `yaml:"lock_file"`
}

type Reconcile struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxBatches       int           `yaml:"max_batches"`
	FetchRemote      bool          `yaml:"fetch_remote"`
	SnapshotOnDrift  bool          `yaml:"snapshot_on_drift"`
	DriftDetailBytes int           `yaml:"drift_detail_bytes"`
	DriftRetention   time.Duration `yaml:"drift_retention"`
}

type Policy struct {
	Types            []string      `yaml:"types"`
	TTL              time.Duration `yaml:"ttl"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	ImpactEnabled    bool          `yaml:"impact_enabled"`
	ImpactSafetyCap  int           `yaml:"impact_safety_cap"`
	SnapshotOnImpact bool          `yaml:"snapshot_on_impact"`
	// Dir holds <type>.json policy arrays served in mock mode.
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type Alerts struct {
	Thresholds       alerting.Thresholds      `yaml:"thresholds"`
	GlobalWindow     time.Duration            `yaml:"global_window"`
	PerKeyWindows    map[string]time.Duration `yaml:"per_key_windows"`
	HistoryLimit     int                      `yaml:"history_limit"`
	HistoryPath      string                   `yaml:"history_path"`
	EvaluateInterval time.Duration            `yaml:"evaluate_interval"`
}

type Mapper struct {
	Command        []string      `yaml:"command"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type Features struct {
	SyncEnabled         bool `yaml:"sync_enabled"`
	ReadinessBacklogMax int  `yaml:"readiness_backlog_max"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: Store{DSN: "memory://"},
		Catalog: Catalog{
			MaxConns: 4,
		},
		Marketplace: Marketplace{
			Mode:      ModeMock,
			Timeout:   15 * time.Second,
			UserAgent: "listingsync/1.0",
		},
		OAuth: OAuth{
			Grant:             GrantStatic,
			StaticToken:       "mock-token",
			SafetyWindow:      60 * time.Second,
			MaxRetries:        3,
			BaseDelay:         200 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			DegradedThreshold: 3,
			LogCooldown:       5 * time.Minute,
			RecoveryInterval:  30 * time.Second,
		},
		RateLimit: RateLimit{
			RatePerSecond:      5,
			Burst:              10,
			AcquireTimeout:     10 * time.Second,
			NearDepletionRatio: 0.1,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Worker: Worker{
			Interval:             500 * time.Millisecond,
			Burst:                5,
			IdleDelay:            800 * time.Millisecond,
			MaxRetries:           6,
			PermanentMaxAttempts: 2,
			MaxBackoff:           300 * time.Second,
			ClaimTimeout:         5 * time.Minute,
		},
		Reconcile: Reconcile{
			Enabled:          true,
			Interval:         15 * time.Minute,
			BatchSize:        100,
			MaxBatches:       50,
			DriftDetailBytes: 8 << 10,
			DriftRetention:   30 * 24 * time.Hour,
		},
		Policy: Policy{
			Types:           []string{"fulfillment", "payment", "return"},
			TTL:             6 * time.Hour,
			RefreshInterval: time.Hour,
			ImpactEnabled:   true,
			ImpactSafetyCap: 1000,
		},
		Alerts: Alerts{
			Thresholds:       alerting.DefaultThresholds(),
			GlobalWindow:     15 * time.Minute,
			HistoryLimit:     500,
			EvaluateInterval: 30 * time.Second,
		},
		Mapper: Mapper{
			Timeout:        30 * time.Second,
			MaxOutputBytes: 64 << 10,
		},
		Features: Features{
			SyncEnabled:         true,
			ReadinessBacklogMax: 5000,
		},
	}
}

// Load reads path (optional) and applies environment overrides from the
// process environment.
func Load(path string, logger *slog.Logger) (Config, error) {
	return LoadWithEnv(path, os.Getenv, logger)
}

func LoadWithEnv(path string, getenv func(string) string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	env := envReader{getenv: getenv, logger: logger}
	env.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Marketplace.Mode {
	case ModeMock:
	case ModeNetwork:
		if strings.TrimSpace(c.Marketplace.BaseURL) == "" {
			errs = append(errs, errors.New("marketplace.base_url is required in network mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("marketplace.mode must be %q or %q, got %q", ModeMock, ModeNetwork, c.Marketplace.Mode))
	}
	switch c.OAuth.Grant {
	case GrantStatic:
	case GrantClientCredentials:
		if c.OAuth.TokenURL == "" || c.OAuth.ClientID == "" {
			errs = append(errs, errors.New("oauth.token_url and oauth.client_id are required for client_credentials"))
		}
	case GrantRefreshToken:
		if c.OAuth.TokenURL == "" || c.OAuth.RefreshToken == "" {
			errs = append(errs, errors.New("oauth.token_url and oauth.refresh_token are required for refresh_token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported oauth.grant %q", c.OAuth.Grant))
	}
	if c.Worker.MaxRetries < 1 {
		errs = append(errs, errors.New("worker.max_retries must be at least 1"))
	}
	if c.Worker.PermanentMaxAttempts < 1 {
		errs = append(errs, errors.New("worker.permanent_max_attempts must be at least 1"))
	}
	if c.Worker.JitterFraction < 0 || c.Worker.JitterFraction > 1 {
		errs = append(errs, errors.New("worker.jitter_fraction must be within [0, 1]"))
	}
	if c.Worker.ClaimTimeout <= 2*c.Marketplace.Timeout+c.RateLimit.AcquireTimeout {
		errs = append(errs, errors.New("worker.claim_timeout must exceed two marketplace timeouts plus the rate limit acquire timeout"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	getenv func(string) string
	logger *slog.Logger
}

func (e envReader) apply(c *Config) {
	c.Server.Addr = e.str("LISTINGSYNC_ADDR", c.Server.Addr)
	c.Server.AdminSecret = e.str("LISTINGSYNC_ADMIN_SECRET", c.Server.AdminSecret)
	c.Server.MaxBodyBytes = e.int64("LISTINGSYNC_MAX_BODY_BYTES", c.Server.MaxBodyBytes)
	c.Server.ShutdownTimeout = e.duration("LISTINGSYNC_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Store.DSN = e.str("LISTINGSYNC_STORE_DSN", c.Store.DSN)
	c.Catalog.DSN = e.str("LISTINGSYNC_CATALOG_DSN", c.Catalog.DSN)
	c.Catalog.FixturePath = e.str("LISTINGSYNC_CATALOG_FIXTURE", c.Catalog.FixturePath)
	c.Catalog.MaxConns = e.int("LISTINGSYNC_CATALOG_MAX_CONNS", c.Catalog.MaxConns)
	c.Catalog.SimpleProtocol = e.bool("LISTINGSYNC_CATALOG_SIMPLE_PROTOCOL", c.Catalog.SimpleProtocol)

	c.Marketplace.Mode = e.str("LISTINGSYNC_MARKETPLACE_MODE", c.Marketplace.Mode)
	c.Marketplace.BaseURL = e.str("LISTINGSYNC_MARKETPLACE_BASE_URL", c.Marketplace.BaseURL)
	c.Marketplace.Timeout = e.duration("LISTINGSYNC_MARKETPLACE_TIMEOUT", c.Marketplace.Timeout)

	c.OAuth.Grant = e.str("LISTINGSYNC_OAUTH_GRANT", c.OAuth.Grant)
	c.OAuth.ClientID = e.str("LISTINGSYNC_OAUTH_CLIENT_ID", c.OAuth.ClientID)
	c.OAuth.ClientSecret = e.str("LISTINGSYNC_OAUTH_CLIENT_SECRET", c.OAuth.ClientSecret)
	c.OAuth.TokenURL = e.str("LISTINGSYNC_OAUTH_TOKEN_URL", c.OAuth.TokenURL)
	c.OAuth.RefreshToken = e.str("LISTINGSYNC_OAUTH_REFRESH_TOKEN", c.OAuth.RefreshToken)
	c.OAuth.StaticToken = e.str("LISTINGSYNC_OAUTH_STATIC_TOKEN", c.OAuth.StaticToken)
	c.OAuth.DegradedThreshold = e.int("LISTINGSYNC_OAUTH_DEGRADED_THRESHOLD", c.OAuth.DegradedThreshold)
	c.OAuth.RecoveryInterval = e.duration("LISTINGSYNC_OAUTH_RECOVERY_INTERVAL", c.OAuth.RecoveryInterval)

	c.RateLimit.RatePerSecond = e.float("LISTINGSYNC_RATE_LIMIT_PER_SECOND", c.RateLimit.RatePerSecond)
	c.RateLimit.Burst = e.int("LISTINGSYNC_RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.Breaker.FailureThreshold = e.int("LISTINGSYNC_BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.Cooldown = e.duration("LISTINGSYNC_BREAKER_COOLDOWN", c.Breaker.Cooldown)

	c.Worker.Interval = e.duration("LISTINGSYNC_WORKER_INTERVAL", c.Worker.Interval)
	c.Worker.MaxRetries = e.int("LISTINGSYNC_WORKER_MAX_RETRIES", c.Worker.MaxRetries)
	c.Worker.JitterFraction = e.float("LISTINGSYNC_WORKER_JITTER", c.Worker.JitterFraction)
	c.Worker.LockFile = e.str("LISTINGSYNC_WORKER_LOCK_FILE", c.Worker.LockFile)
	c.Worker.ClaimTimeout = e.duration("LISTINGSYNC_WORKER_CLAIM_TIMEOUT", c.Worker.ClaimTimeout)

	c.Reconcile.Enabled = e.bool("LISTINGSYNC_RECONCILE_ENABLED", c.Reconcile.Enabled)
	c.Reconcile.Interval = e.duration("LISTINGSYNC_RECONCILE_INTERVAL", c.Reconcile.Interval)
	c.Reconcile.BatchSize = e.int("LISTINGSYNC_RECONCILE_BATCH_SIZE", c.Reconcile.BatchSize)
	c.Reconcile.MaxBatches = e.int("LISTINGSYNC_RECONCILE_MAX_BATCHES", c.Reconcile.MaxBatches)
	c.Reconcile.FetchRemote = e.bool("LISTINGSYNC_RECONCILE_FETCH_REMOTE", c.Reconcile.FetchRemote)
	c.Reconcile.SnapshotOnDrift = e.bool("LISTINGSYNC_RECONCILE_SNAPSHOT_ON_DRIFT", c.Reconcile.SnapshotOnDrift)
	c.Reconcile.DriftRetention = e.duration("LISTINGSYNC_DRIFT_RETENTION", c.Reconcile.DriftRetention)

	c.Policy.TTL = e.duration("LISTINGSYNC_POLICY_TTL", c.Policy.TTL)
	c.Policy.ImpactEnabled = e.bool("LISTINGSYNC_POLICY_IMPACT_ENABLED", c.Policy.ImpactEnabled)
	c.Policy.ImpactSafetyCap = e.int("LISTINGSYNC_POLICY_IMPACT_SAFETY_CAP", c.Policy.ImpactSafetyCap)
	c.Policy.Dir = e.str("LISTINGSYNC_POLICY_DIR", c.Policy.Dir)
	c.Policy.Watch = e.bool("LISTINGSYNC_POLICY_WATCH", c.Policy.Watch)

	c.Alerts.HistoryPath = e.str("LISTINGSYNC_ALERT_HISTORY_PATH", c.Alerts.HistoryPath)
	c.Alerts.GlobalWindow = e.duration("LISTINGSYNC_ALERT_SUPPRESSION_WINDOW", c.Alerts.GlobalWindow)

	c.Mapper.Timeout = e.duration("LISTINGSYNC_MAPPER_TIMEOUT", c.Mapper.Timeout)
	if raw := strings.TrimSpace(e.getenv("LISTINGSYNC_MAPPER_COMMAND")); raw != "" {
		c.Mapper.Command = strings.Fields(raw)
	}

	c.Features.SyncEnabled = e.bool("LISTINGSYNC_SYNC_ENABLED", c.Features.SyncEnabled)
	c.Features.ReadinessBacklogMax = e.int("LISTINGSYNC_READINESS_BACKLOG_MAX", c.Features.ReadinessBacklogMax)
}

func (e envReader) str(name, fallback string) string {
	if raw := strings.TrimSpace(e.getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (e envReader) int(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logger.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) bool(name string, fallback bool) bool {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.logger.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
