package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "sqlite", cfg.Database.Dialect())
	assert.Equal(t, "notify.db", cfg.Database.GetDSN())
	assert.Equal(t, QueueBackendSQL, cfg.Queue.Backend)
	assert.Equal(t, 72*time.Hour, cfg.Notify.ConfirmationWindow)
	assert.Empty(t, cfg.Notify.ConsumeQueues)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("NOTIFY_CONSUME_QUEUES", "orders, audit,,")
	t.Setenv("NOTIFY_ATTEMPT_TIMEOUT", "3s")
	t.Setenv("NOTIFY_PUBLIC_URL", "https://notify.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Dialect())
	assert.Equal(t, "host=localhost port=5432 user=notify password=secret dbname=notify.db sslmode=disable", cfg.Database.GetDSN())
	assert.Equal(t, []string{"orders", "audit"}, cfg.Notify.ConsumeQueues)
	assert.Equal(t, 3*time.Second, cfg.Notify.AttemptTimeout)
	assert.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{"mysql without password", map[string]string{"DB_DRIVER": "mysql"}, "DB_PASSWORD"},
		{"unknown driver", map[string]string{"DB_DRIVER": "oracle"}, "DB_DRIVER"},
		{"unknown queue backend", map[string]string{"QUEUE_BACKEND": "kafka"}, "QUEUE_BACKEND"},
		{"smtp without sender", map[string]string{"SMTP_HOST": "smtp.example.com"}, "SMTP_FROM"},
		{"bad public url", map[string]string{"NOTIFY_PUBLIC_URL": "not a url"}, "NOTIFY_PUBLIC_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
