package session

import (
	"os"
	"strings"
	"time"
)

// Config defines the token verification settings.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// AccessTokenTTL is the lifetime of tokens minted by Issue.
	AccessTokenTTL time.Duration

	// ClockSkew is the tolerated difference between issuer and verifier clocks.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex Ed25519 secret key. When set, the manager can issue and verify.
	PasetoV4SecretKeyHex string

	// PasetoV4PublicKeyHex is the hex Ed25519 public key. It is used when no secret key is
	// configured, giving a verify-only manager.
	PasetoV4PublicKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "livedesk",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// One of these is required:
//   - LIVEDESK_PASETO_V4_SECRET_KEY_HEX
//   - LIVEDESK_PASETO_V4_PUBLIC_KEY_HEX
//
// Optional:
//   - LIVEDESK_AUTH_ISSUER
//   - LIVEDESK_AUTH_ACCESS_TTL
//   - LIVEDESK_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("LIVEDESK_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("LIVEDESK_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("LIVEDESK_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("LIVEDESK_PASETO_V4_SECRET_KEY_HEX"))
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("LIVEDESK_PASETO_V4_PUBLIC_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" && cfg.PasetoV4PublicKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
