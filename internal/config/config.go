package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = NewModule(Options{})

// NewModule provides the Config loaded with opts.
func NewModule(opts Options) fx.Option {
	return fx.Module("config",
		fx.Provide(func() (Config, error) {
			cfg, err := Load(opts)
			if err != nil {
				return Config{}, err
			}
			return *cfg, nil
		}),
	)
}

// Config captures the runtime configuration for the credits service.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Metering       MeteringConfig       `mapstructure:"metering"`
	Reservation    ReservationConfig    `mapstructure:"reservation"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Server         ServerConfig         `mapstructure:"server"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Pricing        PricingConfig        `mapstructure:"pricing"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	InflightTTL time.Duration `mapstructure:"inflight_ttl"`
}

type MeteringConfig struct {
	MaxRetryCount      int           `mapstructure:"max_retry_count"`
	InflightWindow     time.Duration `mapstructure:"inflight_window"`
	QuotaTimezone      string        `mapstructure:"quota_timezone"`
	RequireEntitlement bool          `mapstructure:"require_entitlement"`
	DefaultCurrency    string        `mapstructure:"default_currency"`
}

type ReservationConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

type ReconciliationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Lookback time.Duration `mapstructure:"lookback"`
	Batch    int           `mapstructure:"batch"`
}

type LedgerConfig struct {
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval"`
	PageSizeMax        int           `mapstructure:"page_size_max"`
}

type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

type PricingConfig struct {
	Seed []PriceSeed `mapstructure:"seed"`
}

// PriceSeed is a global catalog row loaded at startup when no row exists for its key.
type PriceSeed struct {
	Category      string    `mapstructure:"category"`
	Provider      string    `mapstructure:"provider"`
	Model         string    `mapstructure:"model"`
	Unit          string    `mapstructure:"unit"`
	UnitPrice     string    `mapstructure:"unit_price"`
	Currency      string    `mapstructure:"currency"`
	EffectiveFrom time.Time `mapstructure:"effective_from"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("CREDITS_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("credits")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("CREDITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes the rest.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("missing required configuration: CREDITS_DATABASE_DSN")
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns must be >= 0")
	}
	if c.Database.LockTimeout < 0 {
		return fmt.Errorf("database.lock_timeout must be >= 0")
	}

	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr must be provided when redis is enabled")
	}
	if c.Redis.InflightTTL <= 0 {
		c.Redis.InflightTTL = 30 * time.Second
	}

	if c.Metering.MaxRetryCount <= 0 {
		return fmt.Errorf("metering.max_retry_count must be > 0")
	}
	if c.Metering.InflightWindow <= 0 {
		return fmt.Errorf("metering.inflight_window must be > 0")
	}
	tz := strings.TrimSpace(c.Metering.QuotaTimezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid metering.quota_timezone: %w", err)
	}
	c.Metering.QuotaTimezone = tz
	c.Metering.DefaultCurrency = strings.ToUpper(strings.TrimSpace(c.Metering.DefaultCurrency))
	if c.Metering.DefaultCurrency == "" {
		c.Metering.DefaultCurrency = "CREDIT"
	}

	if c.Reservation.DefaultTTL <= 0 {
		return fmt.Errorf("reservation.default_ttl must be > 0")
	}
	if c.Reservation.SweepBatch <= 0 {
		c.Reservation.SweepBatch = 100
	}
	if c.Reconciliation.Batch <= 0 {
		c.Reconciliation.Batch = 100
	}
	if c.Ledger.PageSizeMax <= 0 {
		c.Ledger.PageSizeMax = 500
	}

	for i, seed := range c.Pricing.Seed {
		if strings.TrimSpace(seed.Category) == "" || strings.TrimSpace(seed.Unit) == "" {
			return fmt.Errorf("pricing.seed[%d] category and unit must be provided", i)
		}
		if strings.TrimSpace(seed.UnitPrice) == "" {
			return fmt.Errorf("pricing.seed[%d].unit_price must be provided", i)
		}
		if seed.Currency == "" {
			c.Pricing.Seed[i].Currency = c.Metering.DefaultCurrency
		}
	}

	return nil
}

// QuotaLocation returns the location used to cut daily and monthly quota windows.
func (c MeteringConfig) QuotaLocation() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.lock_timeout", "5s")
	v.SetDefault("database.run_migrations", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.inflight_ttl", "30s")

	v.SetDefault("metering.max_retry_count", 5)
	v.SetDefault("metering.inflight_window", "30s")
	v.SetDefault("metering.quota_timezone", "UTC")
	v.SetDefault("metering.require_entitlement", false)
	v.SetDefault("metering.default_currency", "CREDIT")

	v.SetDefault("reservation.default_ttl", "2h")
	v.SetDefault("reservation.sweep_interval", "1m")
	v.SetDefault("reservation.sweep_batch", 100)

	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", "10m")
	v.SetDefault("reconciliation.lookback", "24h")
	v.SetDefault("reconciliation.batch", 100)

	v.SetDefault("ledger.drift_check_interval", "1h")
	v.SetDefault("ledger.page_size_max", 500)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_header_timeout", "5s")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.service_name", "credits")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
