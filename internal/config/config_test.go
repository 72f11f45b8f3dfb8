package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "memory", cfg.Index.Driver)
	assert.Equal(t, 8, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Ledger.LeaseTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Queue.KafkaBrokers)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(mapEnv(map[string]string{
		"STORE_DRIVER":            "Postgres",
		"POSTGRES_DSN":            "postgres://ledger@localhost/ledger?sslmode=disable",
		"QUEUE_DRIVER":            "kafka",
		"KAFKA_BROKERS":           "k1:9092, k2:9092,",
		"INDEX_DRIVER":            "mongo",
		"LEDGER_MAX_ATTEMPTS":     "3",
		"IDEMPOTENCY_LEASE_TTL":   "5s",
		"PROJECTION_MAX_ATTEMPTS": "2",
		"POSTGRES_AUTO_MIGRATE":   "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.False(t, cfg.Store.AutoMigrate)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.KafkaBrokers)
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LeaseTTL)
	assert.Equal(t, 2, cfg.Projection.MaxAttempts)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad int", env: map[string]string{"LEDGER_MAX_ATTEMPTS": "many"}},
		{name: "bad duration", env: map[string]string{"IDEMPOTENCY_LEASE_TTL": "soon"}},
		{name: "unknown store", env: map[string]string{"STORE_DRIVER": "sqlite"}},
		{name: "postgres without dsn", env: map[string]string{"STORE_DRIVER": "postgres", "QUEUE_DRIVER": "kafka"}},
		{name: "memory queue with postgres", env: map[string]string{"STORE_DRIVER": "postgres", "POSTGRES_DSN": "x"}},
		{name: "zero attempts", env: map[string]string{"LEDGER_MAX_ATTEMPTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(mapEnv(tt.env))
			require.Error(t, err)
		})
	}
}
