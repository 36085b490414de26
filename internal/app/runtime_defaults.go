package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/charlesng35/sentinel/pkg/crypto"
)

const (
	jwtSecretBytes       = 48
	twoFactorSecretBytes = 32
)

// runtimeSecret is a secret that may be generated when left unset. Generated values live
// only for the process, so sessions and enrolled TOTP secrets do not survive a restart.
type runtimeSecret struct {
	key      string
	field    func(*Config) *string
	generate func() (string, error)
}

var runtimeSecrets = []runtimeSecret{
	{
		key:      "auth.jwt.secret",
		field:    func(c *Config) *string { return &c.Auth.JWT.Secret },
		generate: func() (string, error) { return crypto.GenerateToken(jwtSecretBytes) },
	},
	{
		key:      "two_factor.encryption_key",
		field:    func(c *Config) *string { return &c.TwoFactor.EncryptionKey },
		generate: func() (string, error) { return generateHexKey(twoFactorSecretBytes) },
	},
}

// ApplyRuntimeDefaults fills secrets missing from cfg. The returned set names what was
// generated so callers can log it without the values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	generated := make(map[string]bool)
	for _, secret := range runtimeSecrets {
		field := secret.field(cfg)
		if strings.TrimSpace(*field) != "" {
			continue
		}
		value, err := secret.generate()
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", secret.key, err)
		}
		*field = value
		generated[secret.key] = true
	}
	return generated, nil
}

func generateHexKey(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("key length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
