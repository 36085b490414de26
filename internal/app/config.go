package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Sentinel backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Auth        AuthConfig        `mapstructure:"auth"`
	TwoFactor   TwoFactorConfig   `mapstructure:"two_factor"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Invitations InvitationConfig  `mapstructure:"invitations"`
	Email       EmailConfig       `mapstructure:"email"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	LogLevel        string          `mapstructure:"log_level"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client on the authentication endpoints.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT           JWTSettings           `mapstructure:"jwt"`
	Session       SessionSettings       `mapstructure:"session"`
	Local         LocalAuthSettings     `mapstructure:"local"`
	Challenge     ChallengeSettings     `mapstructure:"challenge"`
	PasswordReset PasswordResetSettings `mapstructure:"password_reset"`
	// ProvisionDelay postpones profile creation after signup.
	ProvisionDelay time.Duration `mapstructure:"provision_delay"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures refresh tokens and session lifetimes.
type SessionSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
}

// LocalAuthSettings defines controls for the local auth provider.
type LocalAuthSettings struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// ChallengeSettings bounds second factor login challenges.
type ChallengeSettings struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// PasswordResetSettings configures emailed reset links.
type PasswordResetSettings struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// TwoFactorConfig configures TOTP enrollment.
type TwoFactorConfig struct {
	Issuer          string        `mapstructure:"issuer"`
	BackupCodeCount int           `mapstructure:"backup_code_count"`
	EnrollmentTTL   time.Duration `mapstructure:"enrollment_ttl"`
	EncryptionKey   string        `mapstructure:"encryption_key"`
}

// ResolverConfig is the retry policy for profile resolution.
type ResolverConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	Delay          time.Duration `mapstructure:"delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// AuditConfig configures the audit emitter.
type AuditConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IPLookupURL     string        `mapstructure:"ip_lookup_url"`
	IPLookupTimeout time.Duration `mapstructure:"ip_lookup_timeout"`
	IPCacheTTL      time.Duration `mapstructure:"ip_cache_ttl"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

// InvitationConfig configures invitation issuance.
type InvitationConfig struct {
	Expiry  time.Duration `mapstructure:"expiry"`
	JoinURL string        `mapstructure:"join_url"`
	From    string        `mapstructure:"from"`
	// BaseURL is the server the join flow sends acceptance requests to.
	BaseURL string `mapstructure:"base_url"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig holds the cron schedules of the background jobs. An empty schedule
// disables the job.
type MaintenanceConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SessionCleanup  string `mapstructure:"session_cleanup"`
	InvitationSweep string `mapstructure:"invitation_sweep"`
	AuditRetention  string `mapstructure:"audit_retention"`
	CachePurge      string `mapstructure:"cache_purge"`
	ResetTokenPurge string `mapstructure:"reset_token_purge"`
}

// LoadConfig reads an optional .env file, then config.yaml from ./config and paths, then
// SENTINEL_ prefixed environment variables.
func LoadConfig(paths ...string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// loadDotEnv loads SENTINEL_ENV_FILE, or .env in the working directory. Variables already
// present in the environment win.
func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("SENTINEL_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_second", 5)
	v.SetDefault("server.rate_limit.burst", 10)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sentinel.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.prefix", "sentinel:")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.issuer", "sentinel")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.session.refresh_token_length", 48)
	v.SetDefault("auth.local.lockout_threshold", 5)
	v.SetDefault("auth.local.lockout_duration", "15m")
	v.SetDefault("auth.challenge.ttl", "5m")
	v.SetDefault("auth.challenge.max_attempts", 5)
	v.SetDefault("auth.password_reset.ttl", "1h")
	v.SetDefault("auth.provision_delay", "0s")

	v.SetDefault("two_factor.issuer", "Sentinel")
	v.SetDefault("two_factor.backup_code_count", 10)
	v.SetDefault("two_factor.enrollment_ttl", "10m")

	v.SetDefault("resolver.attempts", 10)
	v.SetDefault("resolver.delay", "500ms")
	v.SetDefault("resolver.attempt_timeout", "5s")

	v.SetDefault("audit.buffer_size", 256)
	v.SetDefault("audit.write_timeout", "5s")
	v.SetDefault("audit.ip_lookup_url", "")
	v.SetDefault("audit.ip_lookup_timeout", "3s")
	v.SetDefault("audit.ip_cache_ttl", "10m")
	v.SetDefault("audit.retention_days", 365)

	v.SetDefault("invitations.expiry", "168h")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.session_cleanup", "@every 15m")
	v.SetDefault("maintenance.invitation_sweep", "@every 1h")
	v.SetDefault("maintenance.audit_retention", "@daily")
	v.SetDefault("maintenance.cache_purge", "@every 30m")
	v.SetDefault("maintenance.reset_token_purge", "@every 6h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
