package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from CONFIG_PATH
// (default /app/config/chronomap.yaml) with CHRONOMAP_* env overrides.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the relational backend. Driver is "postgres" for
// the hosted store or "sqlite" for local mode; the choice is made once at
// startup, not per call.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite file path
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// ProviderConfig configures the deep-research provider client and the
// per-request poll loop budget. MaxPolls at the default 1s interval stays
// under the hosting platform's request-duration ceiling with margin.
type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPolls         int           `mapstructure:"max_polls"`
	RequestsPerMin   int           `mapstructure:"requests_per_minute"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
}

type AuthConfig struct {
	TokenEndpoint    string        `mapstructure:"token_endpoint"`
	UserinfoEndpoint string        `mapstructure:"userinfo_endpoint"`
	ClientID         string        `mapstructure:"client_id"`
	AllowedRedirects []string      `mapstructure:"allowed_redirects"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	CookieSecret     string        `mapstructure:"cookie_secret"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	SignInTokenTTL   time.Duration `mapstructure:"signin_token_ttl"`
}

type QuotaConfig struct {
	TiersPath string `mapstructure:"tiers_path"`
	Unmetered bool   `mapstructure:"unmetered"` // skip the gate entirely (self-hosted deployments)
}

type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json | console
	MetricsPort int    `mapstructure:"metrics_port"`
}

// Load reads configuration from CONFIG_PATH or the default location.
// A missing file is not fatal: defaults plus env overrides still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/app/config/chronomap.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("CHRONOMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	// Long write timeout: the research stream holds the response open for
	// up to the full poll budget.
	v.SetDefault("server.write_timeout", 15*time.Minute)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./chronomap.db")
	v.SetDefault("storage.host", "")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.database", "")
	v.SetDefault("storage.ssl_mode", "require")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.idle_connections", 5)
	v.SetDefault("storage.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.session_ttl", 24*time.Hour)

	// Empty defaults so AutomaticEnv picks these up at unmarshal time.
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.request_timeout", 30*time.Second)
	v.SetDefault("provider.poll_interval", time.Second)
	v.SetDefault("provider.max_polls", 840)
	v.SetDefault("provider.requests_per_minute", 120)
	v.SetDefault("provider.breaker_threshold", 5)
	v.SetDefault("provider.breaker_reset", 30*time.Second)

	v.SetDefault("auth.token_endpoint", "")
	v.SetDefault("auth.userinfo_endpoint", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cookie_secret", "")
	v.SetDefault("auth.access_token_ttl", 30*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("auth.signin_token_ttl", 10*time.Minute)

	v.SetDefault("quota.tiers_path", "")
	v.SetDefault("quota.unmetered", false)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.metrics_port", 0)
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be postgres or sqlite, got %q", c.Storage.Driver)
	}
	if c.Provider.MaxPolls <= 0 {
		return fmt.Errorf("provider.max_polls must be positive")
	}
	if c.Provider.PollInterval <= 0 {
		return fmt.Errorf("provider.poll_interval must be positive")
	}
	return nil
}
