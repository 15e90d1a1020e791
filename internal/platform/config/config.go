// Package config loads the coordinator and seller executables' settings
// through viper: a struct per section with mapstructure tags, filled
// defaults, and a fail-fast Validate. Load returns an error so the
// caller's cmd/*/main.go decides how to fail. Every dotted key (e.g.
// `request.timeout.ms`) is represented as one struct level per dot
// segment, so the YAML mirrors the key's own nesting instead of relying
// on a flattened-key decode hook.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig is the full configuration for cmd/coordinator.
type CoordinatorConfig struct {
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Request     RequestConfig     `mapstructure:"request"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Order       OrderConfig       `mapstructure:"order"`
	MQ          MQConfig          `mapstructure:"mq"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// MarketplaceConfig identifies this coordinator and its transport bind
// (`marketplace.id`, `marketplace.router.port`).
type MarketplaceConfig struct {
	ID     string       `mapstructure:"id"`
	Router RouterConfig `mapstructure:"router"`
}

type RouterConfig struct {
	Port int `mapstructure:"port"`
}

// RequestConfig bounds a single transport round trip (`request.timeout.ms`).
type RequestConfig struct {
	Timeout MillisConfig `mapstructure:"timeout"`
}

type MillisConfig struct {
	MS int `mapstructure:"ms"`
}

// SagaConfig bounds the orchestrator's worker pool and per-saga timeout,
// and names the durable state directory (`saga.timeout.seconds`,
// `saga.processing.threads`, `saga.state.directory`).
type SagaConfig struct {
	Timeout    SecondsConfig    `mapstructure:"timeout"`
	Processing ProcessingConfig `mapstructure:"processing"`
	State      SagaStateConfig  `mapstructure:"state"`
}

type SecondsConfig struct {
	Seconds int `mapstructure:"seconds"`
}

type ProcessingConfig struct {
	Threads int `mapstructure:"threads"`
}

type SagaStateConfig struct {
	Directory string `mapstructure:"directory"`
}

// RetryConfig mirrors pkg/retry.Config's fields under the keys
// `retry.max.attempts`, `retry.base.delay.ms`, `retry.backoff.multiplier`,
// and `retry.max.delay.ms`.
type RetryConfig struct {
	Max     RetryMaxConfig `mapstructure:"max"`
	Base    DelayConfig    `mapstructure:"base"`
	Backoff BackoffConfig  `mapstructure:"backoff"`
}

type RetryMaxConfig struct {
	Attempts int          `mapstructure:"attempts"`
	Delay    MillisConfig `mapstructure:"delay"`
}

type DelayConfig struct {
	Delay MillisConfig `mapstructure:"delay"`
}

type BackoffConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
}

// BreakerConfig lets an operator retune a noisy peer's breaker without a
// code change.
type BreakerConfig struct {
	FailureThreshold int          `mapstructure:"failure_threshold"`
	SuccessThreshold int          `mapstructure:"success_threshold"`
	OpenTimeout      MillisConfig `mapstructure:"open_timeout"`
}

// OrderConfig configures the pipeline's inter-order submission delay
// (`order.delay.ms`).
type OrderConfig struct {
	Delay MillisConfig `mapstructure:"delay"`
}

// MQConfig configures the best-effort order-outcome fan-out.
type MQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LedgerConfig configures the supplemental GORM-backed outcome audit trail.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // "mysql" or "sqlite"
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig configures the Prometheus exposition port.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// SellerConfig is the full configuration for cmd/seller.
type SellerConfig struct {
	Identity    SellerIdentityConfig `mapstructure:"identity"`
	Reservation ReservationConfig    `mapstructure:"reservation"`
	Cleanup     CleanupConfig        `mapstructure:"cleanup"`
	Idempotency IdempotencyConfig    `mapstructure:"idempotency"`
}

// SellerIdentityConfig names this seller and the coordinator it dials.
type SellerIdentityConfig struct {
	SellerID    string          `mapstructure:"seller_id"`
	Coordinator CoordinatorDial `mapstructure:"coordinator"`
}

type CoordinatorDial struct {
	Addr string `mapstructure:"addr"`
}

// ReservationConfig sets the seller-side reservation expiry
// (`reservation.timeout.ms`).
type ReservationConfig struct {
	Timeout MillisConfig `mapstructure:"timeout"`
}

// CleanupConfig sets the seller-side expiry-sweep interval
// (`cleanup.interval.seconds`).
type CleanupConfig struct {
	Interval SecondsConfig `mapstructure:"interval"`
}

// IdempotencyConfig sets the seller-side dedup window and backend choice
// (`idempotency.retention.time.ms`).
type IdempotencyConfig struct {
	Retention RetentionConfig `mapstructure:"retention"`
	Backend   string          `mapstructure:"backend"` // "memory" (default) or "redis"
	Redis     RedisDial       `mapstructure:"redis"`
}

type RetentionConfig struct {
	Time MillisConfig `mapstructure:"time"`
}

type RedisDial struct {
	Addr string `mapstructure:"addr"`
}

// LoadCoordinator reads path (YAML) into a CoordinatorConfig, filling
// defaults for anything left unset.
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	setCoordinatorDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setCoordinatorDefaults(cfg *CoordinatorConfig) {
	if cfg.Marketplace.Router.Port == 0 {
		cfg.Marketplace.Router.Port = 5555
	}
	if cfg.Request.Timeout.MS == 0 {
		cfg.Request.Timeout.MS = 5000
	}
	if cfg.Saga.Timeout.Seconds == 0 {
		cfg.Saga.Timeout.Seconds = 60
	}
	if cfg.Saga.Processing.Threads == 0 {
		cfg.Saga.Processing.Threads = 10
	}
	if cfg.Saga.State.Directory == "" {
		cfg.Saga.State.Directory = "./data/sagas"
	}
	if cfg.Retry.Max.Attempts == 0 {
		cfg.Retry.Max.Attempts = 4 // first attempt + 3 retries
	}
	if cfg.Retry.Max.Delay.MS == 0 {
		cfg.Retry.Max.Delay.MS = 30000
	}
	if cfg.Retry.Base.Delay.MS == 0 {
		cfg.Retry.Base.Delay.MS = 1000
	}
	if cfg.Retry.Backoff.Multiplier == 0 {
		cfg.Retry.Backoff.Multiplier = 2.0
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 3
	}
	if cfg.Breaker.OpenTimeout.MS == 0 {
		cfg.Breaker.OpenTimeout.MS = 30000
	}
	if cfg.Order.Delay.MS == 0 {
		cfg.Order.Delay.MS = 1000
	}
	if cfg.MQ.Exchange == "" {
		cfg.MQ.Exchange = "fulfillment.events"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// Validate fails fast on configuration an empty/default value would
// silently misconfigure.
func (c *CoordinatorConfig) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("marketplace.id must not be empty")
	}
	if c.MQ.Enabled && c.MQ.URL == "" {
		return fmt.Errorf("mq.url must not be empty when mq.enabled is true")
	}
	if c.Ledger.Enabled && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn must not be empty when ledger.enabled is true")
	}
	return nil
}

// RequestTimeout is request.timeout.ms as a time.Duration.
func (c *CoordinatorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Request.Timeout.MS) * time.Millisecond
}

// SagaTimeout is saga.timeout.seconds as a time.Duration.
func (c *CoordinatorConfig) SagaTimeout() time.Duration {
	return time.Duration(c.Saga.Timeout.Seconds) * time.Second
}

// OrderDelay is order.delay.ms as a time.Duration.
func (c *CoordinatorConfig) OrderDelay() time.Duration {
	return time.Duration(c.Order.Delay.MS) * time.Millisecond
}

// LoadSeller reads path (YAML) into a SellerConfig, filling defaults for
// anything left unset.
func LoadSeller(path string) (*SellerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg SellerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	setSellerDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setSellerDefaults(cfg *SellerConfig) {
	if cfg.Reservation.Timeout.MS == 0 {
		cfg.Reservation.Timeout.MS = 5 * 60 * 1000
	}
	if cfg.Cleanup.Interval.Seconds == 0 {
		cfg.Cleanup.Interval.Seconds = 60
	}
	if cfg.Idempotency.Retention.Time.MS == 0 {
		cfg.Idempotency.Retention.Time.MS = 30 * 60 * 1000
	}
	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = "memory"
	}
}

// Validate fails fast on seller configuration missing its required identity.
func (c *SellerConfig) Validate() error {
	if c.Identity.SellerID == "" {
		return fmt.Errorf("identity.seller_id must not be empty")
	}
	if c.Identity.Coordinator.Addr == "" {
		return fmt.Errorf("identity.coordinator.addr must not be empty")
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.Redis.Addr == "" {
		return fmt.Errorf("idempotency.redis.addr must not be empty when idempotency.backend is redis")
	}
	return nil
}

// ReservationTimeout is reservation.timeout.ms as a time.Duration.
func (c *SellerConfig) ReservationTimeout() time.Duration {
	return time.Duration(c.Reservation.Timeout.MS) * time.Millisecond
}

// CleanupInterval is cleanup.interval.seconds as a time.Duration.
func (c *SellerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.Interval.Seconds) * time.Second
}

// IdempotencyRetention is idempotency.retention.time.ms as a time.Duration.
func (c *SellerConfig) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.Retention.Time.MS) * time.Millisecond
}
