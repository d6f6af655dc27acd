package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig           `yaml:"database"`
	Kafka     KafkaConfig              `yaml:"kafka"`
	Redis     RedisConfig              `yaml:"redis"`
	TrackPipe TrackPipeConfig          `yaml:"trackpipe"`
	Carriers  map[string]CarrierConfig `yaml:"carriers"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
}

type RedisConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	QueuePrefix string `yaml:"queue_prefix"`
}

type TrackPipeConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	// Очередь
	QueueLeaseSeconds int `yaml:"queue_lease_seconds"`
	QueueMaxAttempts  int `yaml:"queue_max_attempts"`

	// Worker
	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerJobTimeoutSeconds   int    `yaml:"worker_job_timeout_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`
	WorkerRetryBaseSeconds    int    `yaml:"worker_retry_base_seconds"`
	WorkerRetryMaxSeconds     int    `yaml:"worker_retry_max_seconds"`

	// Dispatcher
	DispatcherHTTPAddr      string `yaml:"dispatcher_http_addr"`
	DispatchIntervalSeconds int    `yaml:"dispatch_interval_seconds"`
	DispatchPageSize        int    `yaml:"dispatch_page_size"`
	DispatchMaxReplays      int    `yaml:"dispatch_max_replays"`
	DispatchSkipOnStart     bool   `yaml:"dispatch_skip_on_start"`

	// Circuit breaker
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerOpenSeconds      int `yaml:"breaker_open_seconds"`
}

// CarrierConfig describes how to reach one carrier API.
// Mode is one of "fake", "emulator", "track24".
type CarrierConfig struct {
	Mode               string  `yaml:"mode"`
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Domain             string  `yaml:"domain"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	RateLimitPerMinute int64   `yaml:"rate_limit_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal YAML")
	}

	// ключи перевозчиков приводим к верхнему регистру: ups == UPS
	if len(config.Carriers) > 0 {
		norm := make(map[string]CarrierConfig, len(config.Carriers))
		for k, v := range config.Carriers {
			norm[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		config.Carriers = norm
	}

	return &config, nil
}

// ConnString builds the pgx DSN; ssl_mode defaults to disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (k KafkaConfig) Topic() string {
	if k.TrackingUpdatedTopicName == "" {
		return "tracking.updated"
	}
	return k.TrackingUpdatedTopicName
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
