package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "process", cfg.BrowserMode)
	require.Equal(t, 30*time.Minute, cfg.CookieFreshness)
	require.Equal(t, 30*time.Second, cfg.CommandTimeout)
	require.Equal(t, 3, cfg.StaleThreshold)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TABMUX_ADDR", ":9999")
	t.Setenv("TABMUX_BROWSER_MODE", "attach")
	t.Setenv("TABMUX_ATTACH_URL", "http://127.0.0.1:9222")
	t.Setenv("TABMUX_COOKIE_FRESHNESS", "5m")
	t.Setenv("TABMUX_STALE_THRESHOLD", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, "attach", cfg.BrowserMode)
	require.Equal(t, 5*time.Minute, cfg.CookieFreshness)
	require.Equal(t, 5, cfg.StaleThreshold)
}

func TestLoadRejectsBadMode(t *testing.T) {
	t.Setenv("TABMUX_BROWSER_MODE", "teleport")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAttachRequiresURL(t *testing.T) {
	t.Setenv("TABMUX_BROWSER_MODE", "attach")
	t.Setenv("TABMUX_ATTACH_URL", "")
	_, err := Load()
	require.Error(t, err)
}
