package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Backend   BackendConfig
	Reconnect ReconnectConfig
	Timeouts  TimeoutConfig
	Bus       BusConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
}

type BackendConfig struct {
	BaseURL          string // e.g. ws://localhost:3000/ws/documents
	Token            string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
}

type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

type TimeoutConfig struct {
	Read   time.Duration
	Create time.Duration
	Send   time.Duration
	// "fixed" or "reset_on_token"
	StreamDeadlinePolicy string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP HTTP collector
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

type BusConfig struct {
	Driver   string // "watermill" | "redis" | "nats"
	RedisURL string
	NatsURL  string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "logs/docchat.log"),
		},
		Backend: BackendConfig{
			BaseURL:          getEnv("DOCCHAT_WS_URL", "ws://localhost:3000/ws/documents"),
			Token:            getEnv("DOCCHAT_TOKEN", ""),
			HandshakeTimeout: getEnvAsDuration("DOCCHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
			PingPeriod:       getEnvAsDuration("DOCCHAT_PING_PERIOD", 54*time.Second),
			PongWait:         getEnvAsDuration("DOCCHAT_PONG_WAIT", 60*time.Second),
			WriteWait:        getEnvAsDuration("DOCCHAT_WRITE_WAIT", 10*time.Second),
			ReadLimit:        int64(getEnvAsInt("DOCCHAT_READ_LIMIT", 1<<20)),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvAsDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5),
		},
		Timeouts: TimeoutConfig{
			Read:                 getEnvAsDuration("TIMEOUT_READ", 5*time.Second),
			Create:               getEnvAsDuration("TIMEOUT_CREATE", 10*time.Second),
			Send:                 getEnvAsDuration("TIMEOUT_SEND", 30*time.Second),
			StreamDeadlinePolicy: getEnv("STREAM_DEADLINE_POLICY", "fixed"),
		},
		Bus: BusConfig{
			Driver:   getEnv("STATE_BUS_DRIVER", "watermill"),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
			NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "ai-docchat-client"),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

// Accepts Go duration strings ("1500ms", "2s") or a bare integer number of milliseconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if d, err := time.ParseDuration(strValue); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(strValue); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
