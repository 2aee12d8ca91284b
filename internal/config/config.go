// SPDX-License-Identifier: MIT

// Package config loads the service configuration from the environment.
// Precedence is ENV > defaults; an optional .env file is read by main
// before Load runs.
package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSessionCodeAlphabet omits 0, 1, I and O so codes can be read
// aloud and typed on a phone without ambiguity.
const DefaultSessionCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Config holds the full runtime configuration of the attendance service.
type Config struct {
	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener

	DatabaseURL string // "memory" selects the in-process store

	SigningKey  []byte
	AdminSecret string

	AllowedOrigins []string
	PublicBaseURL  string

	// Registration endpoint token bucket (per remote address).
	RateLimitRPS   float64
	RateLimitBurst int

	QRTokenTTL time.Duration

	SessionCodeAlphabet string
	SessionCodeLen      int

	// TimeZone governs the interpretation of "today".
	TimeZone *time.Location

	LogLevel string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          ParseString("LISTEN_ADDR", ":8080"),
		MetricsAddr:         ParseString("METRICS_ADDR", ""),
		DatabaseURL:         ParseString("DATABASE_URL", ""),
		AdminSecret:         ParseString("ADMIN_SECRET", ""),
		PublicBaseURL:       strings.TrimRight(ParseString("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		RateLimitRPS:        ParseFloat("RATE_LIMIT_RPS", 10.0/60.0), // 10 per minute
		RateLimitBurst:      ParseInt("RATE_LIMIT_BURST", 20),
		QRTokenTTL:          time.Duration(ParseInt("QR_TTL_HOURS", 24)) * time.Hour,
		SessionCodeAlphabet: ParseString("SESSION_CODE_ALPHABET", DefaultSessionCodeAlphabet),
		SessionCodeLen:      ParseInt("SESSION_CODE_LEN", 5),
		LogLevel:            ParseString("LOG_LEVEL", "info"),
	}

	key := ParseString("SIGNING_KEY", "")
	if key == "" {
		return nil, fmt.Errorf("SIGNING_KEY is required")
	}
	cfg.SigningKey = []byte(key)

	if cfg.AdminSecret == "" {
		return nil, fmt.Errorf("ADMIN_SECRET is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SessionCodeLen < 4 || cfg.SessionCodeLen > 16 {
		return nil, fmt.Errorf("SESSION_CODE_LEN %d out of range [4,16]", cfg.SessionCodeLen)
	}
	if len(cfg.SessionCodeAlphabet) < 8 {
		return nil, fmt.Errorf("SESSION_CODE_ALPHABET too small (%d chars)", len(cfg.SessionCodeAlphabet))
	}
	if cfg.RateLimitRPS <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if cfg.RateLimitBurst < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	// Tokens expire at most a day after issuance.
	if cfg.QRTokenTTL < time.Hour || cfg.QRTokenTTL > 24*time.Hour {
		return nil, fmt.Errorf("QR_TTL_HOURS %d out of range [1,24]", int(cfg.QRTokenTTL.Hours()))
	}

	if origins := ParseString("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	tzName := ParseString("TIME_ZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", tzName, err)
	}
	cfg.TimeZone = loc

	return cfg, nil
}
