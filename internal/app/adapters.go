package app

import (
	"strings"

	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/retry"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/mail"
)

// IdentityConfig converts AuthConfig into the parameters of the identity service. Zero
// values fall back to the service defaults.
func (c AuthConfig) IdentityConfig(resetFrom string) identity.Config {
	return identity.Config{
		JWT: identity.JWTConfig{
			Secret:         c.JWT.Secret,
			Issuer:         c.JWT.Issuer,
			AccessTokenTTL: c.JWT.TTL,
		},
		Local: identity.LocalConfig{
			LockoutThreshold: c.Local.LockoutThreshold,
			LockoutDuration:  c.Local.LockoutDuration,
		},
		RefreshTokenTTL:      c.Session.RefreshTTL,
		RefreshTokenLength:   c.Session.RefreshLength,
		ChallengeTTL:         c.Challenge.TTL,
		ChallengeMaxAttempts: c.Challenge.MaxAttempts,
		ProvisionDelay:       c.ProvisionDelay,
		Reset: identity.ResetConfig{
			From:     resetFrom,
			ResetURL: c.PasswordReset.URL,
			TTL:      c.PasswordReset.TTL,
		},
	}
}

// Policy converts ResolverConfig into a retry policy, keeping the canonical value for any
// unset field.
func (c ResolverConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if c.Attempts > 0 {
		policy.MaxAttempts = c.Attempts
	}
	if c.Delay > 0 {
		policy.Delay = c.Delay
	}
	if c.AttemptTimeout > 0 {
		policy.AttemptTimeout = c.AttemptTimeout
	}
	return policy
}

// SMTPSettings converts EmailConfig for the mail package. A blank sender falls back to the
// SMTP username when that is an address.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	smtp := c.SMTP
	from := strings.TrimSpace(smtp.From)
	if from == "" && strings.Contains(smtp.Username, "@") {
		from = strings.TrimSpace(smtp.Username)
	}
	return mail.SMTPSettings{
		Enabled:  smtp.Enabled,
		Host:     strings.TrimSpace(smtp.Host),
		Port:     smtp.Port,
		Username: smtp.Username,
		Password: smtp.Password,
		From:     from,
		UseTLS:   smtp.UseTLS,
		Timeout:  smtp.Timeout,
	}
}

// RedisClientConfig converts CacheConfig for the cache package. Custom prefixes always end
// in a colon so keys stay namespaced.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	prefix := strings.TrimSpace(c.Redis.Prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: strings.TrimSpace(c.Redis.Username),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
		Prefix:   prefix,
	}
}

// ConfigureLogging initialises the global logger. Debug level switches to the console
// encoder; anything else logs JSON.
func ConfigureLogging(level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if level == "debug" {
		return logger.Init(level, "console")
	}
	return logger.Init(level)
}
