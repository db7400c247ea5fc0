package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, int64(680), cfg.Service.PriceBase)
	require.Equal(t, int64(50), cfg.Service.PriceViewer)
	require.Equal(t, 9, cfg.Service.DownloadLimit)
	require.Equal(t, 3, cfg.Store.Retries)
	require.False(t, cfg.Pay.Complete())
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("RUN_ADDRESS", "0.0.0.0:9000")
	t.Setenv("DOWNLOAD_LIMIT", "5")
	t.Setenv("ORDER_PENDING_TTL", "30m")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	// переменные окружения важнее флагов
	cfg, err := Load([]string{"-a", "127.0.0.1:8081", "-l", "debug"})
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.Handler.ServerAddr)
	require.Equal(t, "debug", cfg.Logger.LogLevel)
	require.Equal(t, 5, cfg.Service.DownloadLimit)
	require.Equal(t, 30*time.Minute, cfg.Service.OrderPendingTTL)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Handler.AllowedOrigins)
}

func TestLoadBadFlag(t *testing.T) {
	_, err := Load([]string{"-unknown"})
	require.Error(t, err)
}
