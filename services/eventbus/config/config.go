package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the eventbus service.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string
	InstanceID  string

	HeartbeatInterval time.Duration
	DeadThreshold     time.Duration
	SendBuffer        int
	InboundRate       float64
	InboundBurst      int
	AllowedOrigins    []string

	StoreDriver  string // memory | postgres
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string
	KafkaIngest  bool

	JWTSecret    string
	JWTIssuer    string
	StaticTokens []string

	HealthSchedule string
	SweepSchedule  string
	AbandonWindow  time.Duration
	GetDataLimit   int
	GetDataWindow  time.Duration

	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:    v.GetString("log_level"),
		HTTPPort:    v.GetString("http_port"),
		MetricsAddr: v.GetString("metrics_addr"),
		InstanceID:  v.GetString("instance_id"),

		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		DeadThreshold:     v.GetDuration("dead_threshold"),
		SendBuffer:        v.GetInt("send_buffer"),
		InboundRate:       v.GetFloat64("inbound_rate"),
		InboundBurst:      v.GetInt("inbound_burst"),
		AllowedOrigins:    list(v, "allowed_origins"),

		StoreDriver:  strings.ToLower(v.GetString("store_driver")),
		PostgresDSN:  v.GetString("postgres_dsn"),
		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		KafkaIngest:  v.GetBool("kafka_ingest"),

		JWTSecret:    v.GetString("jwt_secret"),
		JWTIssuer:    v.GetString("jwt_issuer"),
		StaticTokens: list(v, "static_tokens"),

		HealthSchedule: v.GetString("health_schedule"),
		SweepSchedule:  v.GetString("sweep_schedule"),
		AbandonWindow:  v.GetDuration("abandon_window"),
		GetDataLimit:   v.GetInt("get_data_limit"),
		GetDataWindow:  v.GetDuration("get_data_window"),

		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}

// Brokers splits the comma-separated broker list.
func (c Config) Brokers() []string { return split(c.KafkaBrokers) }

// list accepts either a YAML sequence or a comma-separated string, which is
// what an environment variable delivers.
func list(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		return split(s)
	}
	return v.GetStringSlice(key)
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
