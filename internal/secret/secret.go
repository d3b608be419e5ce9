// Package secret resolves the key used to encrypt capture archives.
package secret

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// EnvKey is the environment variable consulted by the "env" source.
const EnvKey = "HOSTTRACE_ENCRYPTION_KEY"

// Source selects where Lookup reads the key from.
type Source struct {
	Kind    string // config, env, keyring
	Value   string // the key itself, for "config"
	Service string // keyring service
	User    string // keyring user
}

// Lookup returns the raw 32-byte key named by src.
func Lookup(src Source) ([]byte, error) {
	var text string
	switch src.Kind {
	case "", "config":
		text = src.Value
	case "env":
		text = os.Getenv(EnvKey)
		if text == "" {
			return nil, fmt.Errorf("%s is not set", EnvKey)
		}
	case "keyring":
		if src.Service == "" || src.User == "" {
			return nil, errors.New("keyring lookup needs a service and a user")
		}
		v, err := keyring.Get(src.Service, src.User)
		if err != nil {
			return nil, fmt.Errorf("keyring %s/%s: %w", src.Service, src.User, err)
		}
		text = v
	default:
		return nil, fmt.Errorf("unknown key source %q", src.Kind)
	}
	return ParseKey(text)
}

// Store saves key text in the OS keyring after checking it parses.
func Store(service, user, text string) error {
	if _, err := ParseKey(text); err != nil {
		return err
	}
	return keyring.Set(service, user, strings.TrimSpace(text))
}

// ParseKey expects a 32-byte key in base64 or hex form, optionally
// prefixed with "base64:" or "hex:".
func ParseKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	trimmed := strings.TrimSpace(key)
	var data []byte
	var err error

	switch {
	case strings.HasPrefix(trimmed, "base64:"):
		data, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case strings.HasPrefix(trimmed, "hex:"):
		data, err = hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	case len(trimmed) == 64:
		// 64 hex digits also decode as base64 (to 48 bytes).
		data, err = hex.DecodeString(trimmed)
	default:
		data, err = base64.StdEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("invalid key length: %d (expected 32 bytes)", len(data))
	}
	return data, nil
}
