package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/arbor/internal/assetcache"
	"github.com/starford/arbor/internal/backend"
	"github.com/starford/arbor/internal/enrich"
	"github.com/starford/arbor/internal/layout"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/session"
	"github.com/starford/arbor/internal/storage"
	"github.com/starford/arbor/internal/tier"
	"github.com/starford/arbor/internal/visibility"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Asset drivers.
const (
	AssetDriverFS = "fs"
	AssetDriverS3 = "s3"
)

// Padding modes.
const (
	PaddingFixed    = "fixed"
	PaddingAdaptive = "adaptive"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Records    RecordsConfig     `yaml:"records"`
	SQLite     SQLiteConfig      `yaml:"sqlite"`
	Assets     AssetsConfig      `yaml:"assets"`
	Auth       AuthConfig        `yaml:"auth"`
	Backend    BackendConfig     `yaml:"backend"`
	Cache      CacheConfig       `yaml:"cache"`
	Layout     LayoutConfig      `yaml:"layout"`
	Viewport   ViewportConfig    `yaml:"viewport"`
	Tiers      TiersConfig       `yaml:"tiers"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	XRef       XRefConfig        `yaml:"xref"`
	AssetCache AssetCacheConfig  `yaml:"asset_cache"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"records", &c.Records},
		{"sqlite", &c.SQLite},
		{"assets", &c.Assets},
		{"auth", &c.Auth},
		{"backend", &c.Backend},
		{"cache", &c.Cache},
		{"layout", &c.Layout},
		{"viewport", &c.Viewport},
		{"tiers", &c.Tiers},
		{"pipeline", &c.Pipeline},
		{"xref", &c.XRef},
		{"asset_cache", &c.AssetCache},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// RecordsConfig points at the Markdown person records served by the backend.
type RecordsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the records configuration.
func (c *RecordsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds the backend dataset database path.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AssetsConfig selects where encoded images are stored.
// The fs driver uses Dir, or the records path when Dir is empty.
type AssetsConfig struct {
	Driver string   `yaml:"driver"`
	Dir    string   `yaml:"dir"`
	S3     S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object store settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate validates the assets configuration.
func (c *AssetsConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = AssetDriverFS
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.In(AssetDriverFS, AssetDriverS3)),
	); err != nil {
		return err
	}
	if c.Driver != AssetDriverS3 {
		return nil
	}
	return validation.ValidateStruct(&c.S3,
		validation.Field(&c.S3.Endpoint, validation.Required),
		validation.Field(&c.S3.AccessKey, validation.Required),
		validation.Field(&c.S3.SecretKey, validation.Required),
		validation.Field(&c.S3.Bucket, validation.Required),
	)
}

// Storage returns the S3 settings in the form the storage package takes.
func (c *S3Config) Storage() storage.S3Config {
	return storage.S3Config{
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		UseSSL:    c.UseSSL,
	}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

var httpURL = regexp.MustCompile(`^https?://[^/\s]+`)

// BackendConfig is how the inspect session reaches the backend.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the backend client's circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// Validate validates the backend configuration.
func (c *BackendConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.Match(httpURL).Error("must be an http(s) URL")),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Breaker,
		validation.Field(&c.Breaker.FailureThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Breaker.Timeout, validation.Min(time.Duration(0))),
	)
}

// Client returns the settings in the form the backend package takes.
func (c *BackendConfig) Client() backend.ClientConfig {
	return backend.ClientConfig{
		BaseURL: c.BaseURL,
		Token:   c.Token,
		Timeout: c.Timeout,
		Breaker: backend.BreakerConfig{
			MaxRequests:      c.Breaker.MaxRequests,
			Interval:         c.Breaker.Interval,
			Timeout:          c.Breaker.Timeout,
			FailureThreshold: c.Breaker.FailureThreshold,
			MinRequests:      c.Breaker.MinRequests,
		},
	}
}

// CacheConfig locates the persisted structure cache. An empty path keeps the
// structure in memory only.
type CacheConfig struct {
	Path   string `yaml:"path"`
	Schema int    `yaml:"schema"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Schema, validation.Min(0)),
	)
}

// LayoutConfig holds tree spacing in world units.
type LayoutConfig struct {
	LevelSpacing   float64 `yaml:"level_spacing"`
	SiblingSpacing float64 `yaml:"sibling_spacing"`
	MaxDepth       int     `yaml:"max_depth"`
}

// Validate validates the layout configuration.
func (c *LayoutConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LevelSpacing, validation.Required, validation.Min(1.0)),
		validation.Field(&c.SiblingSpacing, validation.Required, validation.Min(1.0)),
		validation.Field(&c.MaxDepth, validation.Required, validation.Min(1)),
	)
}

// ViewportConfig holds the visibility query settings.
type ViewportConfig struct {
	Padding   string        `yaml:"padding"`
	Base      float64       `yaml:"base"`
	Max       float64       `yaml:"max"`
	Lookahead time.Duration `yaml:"lookahead"`
	CellSize  float64       `yaml:"cell_size"`
}

// Validate validates the viewport configuration.
func (c *ViewportConfig) Validate() error {
	if c.Padding == "" {
		c.Padding = PaddingFixed
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Padding, validation.In(PaddingFixed, PaddingAdaptive)),
		validation.Field(&c.Base, validation.Min(0.0)),
		validation.Field(&c.CellSize, validation.Required, validation.Min(1.0)),
	); err != nil {
		return err
	}
	if c.Padding == PaddingAdaptive && c.Max < c.Base {
		return fmt.Errorf("max %.0f is below base %.0f", c.Max, c.Base)
	}
	return nil
}

// PaddingPolicy builds the configured padding policy.
func (c *ViewportConfig) PaddingPolicy() visibility.PaddingPolicy {
	if c.Padding == PaddingAdaptive {
		return visibility.NewAdaptivePadding(c.Base, c.Max, c.Lookahead)
	}
	return visibility.FixedPadding(c.Base)
}

// TiersConfig holds tier thresholds and the zoomed-out overview caps.
type TiersConfig struct {
	NominalSize  float64       `yaml:"nominal_size"`
	MediumAt     float64       `yaml:"medium_at"`
	FullAt       float64       `yaml:"full_at"`
	Hysteresis   float64       `yaml:"hysteresis"`
	PromoteDelay time.Duration `yaml:"promote_delay"`
	MaxNodes     int           `yaml:"overview_max_nodes"`
	MaxEdges     int           `yaml:"overview_max_edges"`
	Hubs         int           `yaml:"overview_hubs"`
}

// Validate validates the tiers configuration.
func (c *TiersConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.NominalSize, validation.Required, validation.Min(1.0)),
		validation.Field(&c.MediumAt, validation.Required, validation.Min(0.0)),
		validation.Field(&c.FullAt, validation.Required),
		validation.Field(&c.Hysteresis, validation.Min(0.0), validation.Max(0.5)),
		validation.Field(&c.MaxNodes, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxEdges, validation.Min(0)),
		validation.Field(&c.Hubs, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.FullAt <= c.MediumAt {
		return fmt.Errorf("full_at %.0f must exceed medium_at %.0f", c.FullAt, c.MediumAt)
	}
	return nil
}

// PipelineConfig holds enrichment batching settings.
type PipelineConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	ForceFlush   time.Duration `yaml:"force_flush"`
	MaxBatch     int           `yaml:"max_batch"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Validate validates the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required),
		validation.Field(&c.ForceFlush, validation.Required, validation.Min(c.Debounce)),
		validation.Field(&c.MaxBatch, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxBackoff, validation.Min(c.BaseBackoff)),
	)
}

// XRefConfig bounds queueing for on-demand enrichment.
type XRefConfig struct {
	LockWait time.Duration `yaml:"lock_wait"`
}

// Validate validates the xref configuration.
func (c *XRefConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LockWait, validation.Required),
	)
}

// AssetCacheConfig bounds the decoded-asset cache.
type AssetCacheConfig struct {
	BudgetBytes int64         `yaml:"budget_bytes"`
	MaxEntries  int           `yaml:"max_entries"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	// Bucket is the resolution the inspect tools decode by default.
	Bucket string `yaml:"bucket"`
}

// Validate validates the asset cache configuration.
func (c *AssetCacheConfig) Validate() error {
	if c.Bucket == "" {
		c.Bucket = string(models.BucketThumb)
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BudgetBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.MaxEntries, validation.Min(0)),
	); err != nil {
		return err
	}
	if !models.Bucket(c.Bucket).Valid() {
		return fmt.Errorf("unknown bucket %q", c.Bucket)
	}
	return nil
}

// MetricsConfig enables a Prometheus listener in inspect mode when Address
// is set. The serve mode always mounts /metrics on its HTTP server.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Session assembles the session settings from the config sections.
func (c *Config) Session() session.Config {
	return session.Config{
		Schema:       c.Cache.Schema,
		LoadAttempts: 3,
		LoadBackoff:  500 * time.Millisecond,
		Layout: layout.Options{
			LevelSpacing:   c.Layout.LevelSpacing,
			SiblingSpacing: c.Layout.SiblingSpacing,
			MaxDepth:       c.Layout.MaxDepth,
		},
		CellSize:    c.Viewport.CellSize,
		Padding:     c.Viewport.PaddingPolicy(),
		NominalSize: c.Tiers.NominalSize,
		Tiers: tier.Thresholds{
			MediumAt:     c.Tiers.MediumAt,
			FullAt:       c.Tiers.FullAt,
			Hysteresis:   c.Tiers.Hysteresis,
			PromoteDelay: c.Tiers.PromoteDelay,
		},
		Overview: tier.OverviewLimits{
			MaxNodes: c.Tiers.MaxNodes,
			MaxEdges: c.Tiers.MaxEdges,
			Hubs:     c.Tiers.Hubs,
		},
		Pipeline: enrich.Config{
			Debounce:     c.Pipeline.Debounce,
			ForceFlush:   c.Pipeline.ForceFlush,
			MaxBatch:     c.Pipeline.MaxBatch,
			MaxAttempts:  c.Pipeline.MaxAttempts,
			BaseBackoff:  c.Pipeline.BaseBackoff,
			MaxBackoff:   c.Pipeline.MaxBackoff,
			FetchTimeout: c.Pipeline.FetchTimeout,
		},
		LockWait: c.XRef.LockWait,
		Assets: assetcache.Config{
			BudgetBytes: c.AssetCache.BudgetBytes,
			MaxEntries:  c.AssetCache.MaxEntries,
			LoadTimeout: c.AssetCache.LoadTimeout,
		},
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	lay := layout.DefaultOptions()
	th := tier.DefaultThresholds()
	ov := tier.DefaultOverviewLimits()
	pl := enrich.DefaultConfig()
	ac := assetcache.DefaultConfig()
	br := backend.DefaultBreakerConfig()

	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Records: RecordsConfig{
			Path:  "./records",
			Watch: true,
		},
		SQLite: SQLiteConfig{
			Path: "./arbor.db",
		},
		Assets: AssetsConfig{
			Driver: AssetDriverFS,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 15 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests:      br.MaxRequests,
				Interval:         br.Interval,
				Timeout:          br.Timeout,
				FailureThreshold: br.FailureThreshold,
				MinRequests:      br.MinRequests,
			},
		},
		Cache: CacheConfig{
			Path:   "./arbor-structure.db",
			Schema: 1,
		},
		Layout: LayoutConfig{
			LevelSpacing:   lay.LevelSpacing,
			SiblingSpacing: lay.SiblingSpacing,
			MaxDepth:       lay.MaxDepth,
		},
		Viewport: ViewportConfig{
			Padding:   PaddingFixed,
			Base:      200,
			Max:       1200,
			Lookahead: 300 * time.Millisecond,
			CellSize:  512,
		},
		Tiers: TiersConfig{
			NominalSize:  48,
			MediumAt:     th.MediumAt,
			FullAt:       th.FullAt,
			Hysteresis:   th.Hysteresis,
			PromoteDelay: th.PromoteDelay,
			MaxNodes:     ov.MaxNodes,
			MaxEdges:     ov.MaxEdges,
			Hubs:         ov.Hubs,
		},
		Pipeline: PipelineConfig{
			Debounce:     pl.Debounce,
			ForceFlush:   pl.ForceFlush,
			MaxBatch:     pl.MaxBatch,
			MaxAttempts:  pl.MaxAttempts,
			BaseBackoff:  pl.BaseBackoff,
			MaxBackoff:   pl.MaxBackoff,
			FetchTimeout: pl.FetchTimeout,
		},
		XRef: XRefConfig{
			LockWait: 5 * time.Second,
		},
		AssetCache: AssetCacheConfig{
			BudgetBytes: ac.BudgetBytes,
			MaxEntries:  ac.MaxEntries,
			LoadTimeout: ac.LoadTimeout,
			Bucket:      string(models.BucketThumb),
		},
	}
}
