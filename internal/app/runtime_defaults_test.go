package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesMissingSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = "   "

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"auth.jwt.secret": true, "two_factor.encryption_key": true}, generated)
	require.Len(t, cfg.Auth.JWT.Secret, 64)

	key, err := cfg.TwoFactor.Key()
	require.NoError(t, err)
	require.Len(t, key, 32)

	other := &Config{}
	_, err = ApplyRuntimeDefaults(other)
	require.NoError(t, err)
	require.NotEqual(t, cfg.Auth.JWT.Secret, other.Auth.JWT.Secret)
}

func TestApplyRuntimeDefaultsKeepsConfiguredSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = strings.Repeat("a", 10)
	cfg.TwoFactor.EncryptionKey = strings.Repeat("b", 32)

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, strings.Repeat("a", 10), cfg.Auth.JWT.Secret)
	require.Equal(t, strings.Repeat("b", 32), cfg.TwoFactor.EncryptionKey)
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.EqualError(t, err, "config is nil")
}

func TestGenerateHexKey(t *testing.T) {
	key, err := generateHexKey(4)
	require.NoError(t, err)
	require.Len(t, key, 8)

	_, err = generateHexKey(0)
	require.Error(t, err)
}
