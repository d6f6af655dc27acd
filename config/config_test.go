package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  tracking_updated_topic_name: "tracking.updated"
redis:
  host: "localhost"
  port: 6379
  queue_prefix: "tp:queue"
trackpipe:
  http_addr: ":8080"
  kafka_consumer_group: "track-api"
  current_status_ttl_seconds: 600
  queue_max_attempts: 3
  worker_concurrency: 16
  dispatch_interval_seconds: 3600
  breaker_failure_threshold: 3
  breaker_open_seconds: 1800
carriers:
  ups:
    mode: "emulator"
    base_url: "http://carrier-emulator:8081"
    requests_per_second: 5
    rate_limit_per_minute: 120
  FEDEX:
    mode: "fake"
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "tracking.updated", cfg.Kafka.TrackingUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "tp:queue", cfg.Redis.QueuePrefix)
	require.Equal(t, ":8080", cfg.TrackPipe.HTTPAddr)
	require.Equal(t, 16, cfg.TrackPipe.WorkerConcurrency)
	require.Equal(t, 1800, cfg.TrackPipe.BreakerOpenSeconds)
	require.False(t, cfg.TrackPipe.DispatchSkipOnStart)

	require.Len(t, cfg.Carriers, 2)
	require.Equal(t, "emulator", cfg.Carriers["UPS"].Mode)
	require.Equal(t, 5.0, cfg.Carriers["UPS"].RequestsPerSecond)
	require.Equal(t, int64(120), cfg.Carriers["UPS"].RateLimitPerMinute)
	require.Equal(t, "fake", cfg.Carriers["FEDEX"].Mode)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("database: [oops"), 0o600))
	_, err = LoadConfig(p)
	require.Error(t, err)
}

func TestConfigHelpers(t *testing.T) {
	db := DatabaseConfig{Host: "pg", Port: 5432, Username: "u", Password: "p", DBName: "trackpipe"}
	require.Equal(t, "postgres://u:p@pg:5432/trackpipe?sslmode=disable", db.ConnString())
	db.SSLMode = "require"
	require.Contains(t, db.ConnString(), "sslmode=require")

	k := KafkaConfig{Host: "kafka", Port: 9092}
	require.Equal(t, []string{"kafka:9092"}, k.Brokers())
	require.Equal(t, "tracking.updated", k.Topic())
	k.TrackingUpdatedTopicName = "t"
	require.Equal(t, "t", k.Topic())

	require.Equal(t, "redis:6379", RedisConfig{Host: "redis", Port: 6379}.Addr())
}
