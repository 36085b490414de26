package app

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeKey decodes a key given as hex or base64. Hex is tried first since generated
// defaults use it; anything else is taken as raw bytes.
func DecodeKey(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("key value is empty")
	}

	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return decoded, nil
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}

	return []byte(v), nil
}

// Key returns the decoded AES key protecting stored TOTP secrets.
func (c TwoFactorConfig) Key() ([]byte, error) {
	key, err := DecodeKey(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("two_factor.encryption_key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("two_factor.encryption_key: decoded length %d, want 16, 24 or 32 bytes", len(key))
	}
}
