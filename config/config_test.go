package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "thistle", cfg.AppName)
		assert.Equal(t, 5*time.Second, cfg.MergeLockWait)
		assert.Equal(t, 30*time.Second, cfg.MergeLockTTL)
		assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, "config/match.yaml", cfg.MatchConfigPath)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("MERGE_LOCK_WAIT", "250ms")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("REDIS_ENABLED", "false")
		t.Setenv("DB_HOST", "db.internal")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, cfg.MergeLockWait)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
		assert.False(t, cfg.RedisEnabled)
		assert.Contains(t, cfg.DatabaseDSN(), "host=db.internal")
	})
}
