package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDispatcherConfigDefaults(t *testing.T) {
	cfg, err := LoadDispatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, "dispatch-commands", cfg.KafkaTopic)
	assert.Equal(t, 25*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 5*time.Second, cfg.SkewTolerance)
	assert.Equal(t, 8, cfg.MatcherTopN)
}

func TestLoadDispatcherConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("OFFER_TIMEOUT", "40s")
	t.Setenv("BROADCAST_FANOUT", "10")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadDispatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 40*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 10, cfg.BroadcastFanout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadDispatcherConfigRejectsBadValues(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")

	_, err := LoadDispatcherConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Minute, cfg.RequestBudget)
	assert.Equal(t, "dispatch-commands", cfg.KafkaTopic)
}

func TestLoadServerConfigBudgetFromEnv(t *testing.T) {
	t.Setenv("REQUEST_BUDGET", "90s")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.RequestBudget)
}
