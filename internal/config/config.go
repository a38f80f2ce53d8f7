// Package config loads service configuration from defaults, an optional
// identity.yaml and IDENTITY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hsurvey.org/identity/internal/auth"
)

const EnvPrefix = "IDENTITY"

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	// Mode is "token" (verify bearer JWTs) or "header" (trust gateway headers).
	Mode              string        `mapstructure:"mode"`
	Secret            string        `mapstructure:"secret"`
	AccessTTL         time.Duration `mapstructure:"access_ttl"`
	RefreshTTL        time.Duration `mapstructure:"refresh_ttl"`
	CookieSecure      bool          `mapstructure:"cookie_secure"`
	OrganizationParam string        `mapstructure:"organization_param"`
	HideExistence     bool          `mapstructure:"hide_existence"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RefreshConfig struct {
	// Backend is "memory", "postgres" or "redis".
	Backend       string        `mapstructure:"backend"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DirectoryConfig struct {
	OrganizationURL string        `mapstructure:"organization_url"`
	DepartmentURL   string        `mapstructure:"department_url"`
	TeamURL         string        `mapstructure:"team_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheSize       int           `mapstructure:"cache_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.rate_limit_rps", 10.0)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("auth.mode", "token")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.cookie_secure", true)
	v.SetDefault("auth.organization_param", "organizationId")
	v.SetDefault("auth.hide_existence", false)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.auto_migrate", false)

	v.SetDefault("refresh.backend", "memory")
	v.SetDefault("refresh.purge_interval", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("directory.organization_url", "")
	v.SetDefault("directory.department_url", "")
	v.SetDefault("directory.team_url", "")
	v.SetDefault("directory.timeout", 3*time.Second)
	v.SetDefault("directory.cache_size", 1024)
	v.SetDefault("directory.cache_ttl", time.Minute)
}

// Load reads configuration. When path is empty, identity.yaml is looked up in the working
// directory and /etc/identity; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("identity")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/identity")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case "token", "header":
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be token or header, got %q", c.Auth.Mode))
	}
	if len(c.Auth.Secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d bytes", auth.MinSecretLength))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl and auth.refresh_ttl must be positive"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver))
	}
	switch c.Refresh.Backend {
	case "memory":
	case "postgres":
		// refresh_tokens references users
		if c.Storage.Driver != "postgres" {
			errs = append(errs, errors.New("refresh.backend postgres requires storage.driver postgres"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis refresh backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("refresh.backend must be memory, postgres or redis, got %q", c.Refresh.Backend))
	}
	return errors.Join(errs...)
}
