// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNING_KEY", "k")
	t.Setenv("ADMIN_SECRET", "s")
	t.Setenv("DATABASE_URL", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, DefaultSessionCodeAlphabet, cfg.SessionCodeAlphabet)
	require.Equal(t, 5, cfg.SessionCodeLen)
	require.Equal(t, 20, cfg.RateLimitBurst)
	require.InDelta(t, 10.0/60.0, cfg.RateLimitRPS, 1e-9)
	require.Equal(t, 24*time.Hour, cfg.QRTokenTTL)
	require.Equal(t, time.UTC, cfg.TimeZone)
	require.Empty(t, cfg.AllowedOrigins)
}

func TestLoadRequiredFields(t *testing.T) {
	cases := []string{"SIGNING_KEY", "ADMIN_SECRET", "DATABASE_URL"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), missing)
		})
	}
}

func TestLoadParsesOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_ORIGINS", "https://club.example.com, https://admin.example.com ,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"https://club.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoadTimeZone(t *testing.T) {
	setRequired(t)
	t.Setenv("TIME_ZONE", "Europe/Berlin")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "Europe/Berlin", cfg.TimeZone.String())

	t.Setenv("TIME_ZONE", "Mars/Olympus")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadValidatesCodeSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_CODE_LEN", "3")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SESSION_CODE_LEN", "5")
	t.Setenv("SESSION_CODE_ALPHABET", "ABC")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadValidatesQRTTL(t *testing.T) {
	for _, hours := range []string{"0", "-1", "25"} {
		t.Run(hours, func(t *testing.T) {
			setRequired(t)
			t.Setenv("QR_TTL_HOURS", hours)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), "QR_TTL_HOURS")
		})
	}

	setRequired(t)
	t.Setenv("QR_TTL_HOURS", "12")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 12*time.Hour, cfg.QRTokenTTL)
}

func TestLoadTrimsBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("PUBLIC_BASE_URL", "https://club.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://club.example.com", cfg.PublicBaseURL)
}
