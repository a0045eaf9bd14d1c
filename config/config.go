package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bastion/notify"
)

// Config holds all configuration for the bastion service.
type Config struct {
	Session struct {
		// IdleTimeout invalidates sessions inactive longer than this.
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
		// MaxConcurrent caps active sessions per user.
		MaxConcurrent int `mapstructure:"max_concurrent"`
		// SweepInterval paces the background idle-session sweep.
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"session"`

	Lockout struct {
		Threshold int           `mapstructure:"threshold"`
		Duration  time.Duration `mapstructure:"duration"`
	} `mapstructure:"lockout"`

	Password struct {
		MinLength     int  `mapstructure:"min_length"`
		MaxLength     int  `mapstructure:"max_length"`
		RequireUpper  bool `mapstructure:"require_upper"`
		RequireLower  bool `mapstructure:"require_lower"`
		RequireDigit  bool `mapstructure:"require_digit"`
		RequireSymbol bool `mapstructure:"require_symbol"`
		MaxRepeatRun  int  `mapstructure:"max_repeat_run"`
		HistoryCount  int  `mapstructure:"history_count"`
	} `mapstructure:"password"`

	BruteForce struct {
		Window time.Duration `mapstructure:"window"`
		// Thresholds per attempt kind; zero keeps the built-in default.
		LoginThreshold         int `mapstructure:"login_threshold"`
		APIThreshold           int `mapstructure:"api_threshold"`
		PasswordResetThreshold int `mapstructure:"password_reset_threshold"`
	} `mapstructure:"brute_force"`

	Anomaly struct {
		// MaxBaselines bounds the per-user baseline cache.
		MaxBaselines int `mapstructure:"max_baselines"`
	} `mapstructure:"anomaly"`

	Engine struct {
		AdminUsers    []string      `mapstructure:"admin_users"`
		RulesFile     string        `mapstructure:"rules_file"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"engine"`

	Retention struct {
		Window        time.Duration `mapstructure:"window"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"retention"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		// SessionTTL is the safety TTL on session keys; zero disables it.
		SessionTTL time.Duration `mapstructure:"session_ttl"`
	} `mapstructure:"redis"`

	SQLite struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Auth struct {
		// UsersFile is a YAML map of username to bcrypt password hash.
		// Empty disables built-in credential verification; embedding
		// applications supply their own verifier.
		UsersFile string `mapstructure:"users_file"`
	} `mapstructure:"auth"`

	API struct {
		Enabled   bool          `mapstructure:"enabled"`
		Addr      string        `mapstructure:"addr"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
		RateLimit struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Notifications []notify.ChannelConfig `mapstructure:"notifications"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.idle_timeout", time.Hour)
	v.SetDefault("session.max_concurrent", 3)
	v.SetDefault("session.sweep_interval", 10*time.Minute)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.duration", 15*time.Minute)

	v.SetDefault("password.min_length", 12)
	v.SetDefault("password.max_length", 128)
	v.SetDefault("password.require_upper", true)
	v.SetDefault("password.require_lower", true)
	v.SetDefault("password.require_digit", true)
	v.SetDefault("password.require_symbol", true)
	v.SetDefault("password.max_repeat_run", 2)
	v.SetDefault("password.history_count", 5)

	v.SetDefault("brute_force.window", 15*time.Minute)
	v.SetDefault("brute_force.login_threshold", 5)
	v.SetDefault("brute_force.api_threshold", 100)
	v.SetDefault("brute_force.password_reset_threshold", 3)

	v.SetDefault("anomaly.max_baselines", 10000)

	v.SetDefault("engine.admin_users", []string{})
	v.SetDefault("engine.rules_file", "")
	v.SetDefault("engine.sweep_interval", time.Hour)

	v.SetDefault("retention.window", 7*24*time.Hour)
	v.SetDefault("retention.sweep_interval", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.session_ttl", 24*time.Hour)

	v.SetDefault("sqlite.enabled", false)
	v.SetDefault("sqlite.path", "./data/bastion.db")

	v.SetDefault("auth.users_file", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8081")
	v.SetDefault("api.jwt_expiry", 24*time.Hour)
	v.SetDefault("api.rate_limit.requests_per_second", 100)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("logging.level", "info")
}

// Load reads configuration from config.yaml (working directory or ./config)
// and BASTION_-prefixed environment variables. Missing files fall back to
// defaults; a malformed file is an error.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Validate rejects configurations that would silently weaken security.
func (c *Config) Validate() error {
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("session.max_concurrent must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Lockout.Threshold <= 0 {
		return fmt.Errorf("lockout.threshold must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout.duration must be positive")
	}
	if c.Password.MinLength <= 0 || c.Password.MaxLength < c.Password.MinLength {
		return fmt.Errorf("password length bounds are inconsistent")
	}
	if c.BruteForce.Window <= 0 {
		return fmt.Errorf("brute_force.window must be positive")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be positive")
	}
	if c.API.Enabled {
		if err := validateJWTSecret(c.API.JWTSecret); err != nil {
			return err
		}
		if c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0 {
			return fmt.Errorf("api.rate_limit values must be positive")
		}
	}
	for i, ch := range c.Notifications {
		if ch.Name == "" {
			return fmt.Errorf("notifications[%d]: name is required", i)
		}
		if ch.Enabled && ch.URL == "" {
			return fmt.Errorf("notifications[%d]: url is required for enabled channel %s", i, ch.Name)
		}
	}
	return nil
}

// weakSecrets are substrings that mark a JWT secret as a default/test value.
var weakSecrets = []string{
	"secret", "password", "changeme", "default", "admin", "test", "example",
}

func validateJWTSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("api.jwt_secret must be at least 32 characters (256 bits)")
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("api.jwt_secret appears to contain a weak/default value")
		}
	}
	return nil
}
