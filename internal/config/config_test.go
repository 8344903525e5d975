package config

import (
	"testing"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("AGENT_ADDR", "")
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/cardwire.db")
	t.Setenv("ENHANCE_TIMEOUT", "20s")
	t.Setenv("CHANNEL_MODE", "app")
	t.Setenv("CLIENT_RATE_LIMIT", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.EnhanceTimeout)
	assert.Equal(t, protocol.ChannelModeApp, cfg.ChannelMode)
	assert.Empty(t, cfg.AgentAddr)
	assert.InDelta(t, 20.0, cfg.ClientRateLimit, 0.001)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("ENHANCE_TIMEOUT", "5")
	t.Setenv("CHANNEL_MODE", "CHAT")
	t.Setenv("CLIENT_RATE_LIMIT", "-1")
	t.Setenv("FRONTEND_URL", "https://cards.example")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("CONVERSATION_LOG_QUEUE_SIZE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.EnhanceTimeout)
	assert.Equal(t, protocol.ChannelModeChat, cfg.ChannelMode)
	assert.InDelta(t, -1.0, cfg.ClientRateLimit, 0.001)
	assert.False(t, cfg.ConversationLog.Enabled)
	assert.Equal(t, 1000, cfg.ConversationLog.QueueSize)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://cards.example"}, cfg.AllowedOrigins())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"PORT":            "",
		"CHANNEL_MODE":    "loud",
		"ENHANCE_TIMEOUT": "0s",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv("PORT", "8080")
			t.Setenv("DB_PATH", "./x.db")
			t.Setenv("CHANNEL_MODE", "app")
			t.Setenv("ENHANCE_TIMEOUT", "20s")
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("D1", "1m")
	t.Setenv("D2", "7")
	t.Setenv("D3", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("D1", 0))
	assert.Equal(t, 7*time.Second, getEnvDuration("D2", 0))
	assert.Equal(t, time.Hour, getEnvDuration("D3", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("D_UNSET", time.Hour))
}
