package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays BLINK_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("BLINK_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("BLINK_AMQP_EXCHANGE"); v != "" {
		cfg.AMQP.Exchange = v
	}
	if v := os.Getenv("BLINK_AMQP_CONNECTION_NAME"); v != "" {
		cfg.AMQP.ConnectionName = v
	}
	durationEnv("BLINK_AMQP_CONNECT_TIMEOUT", &cfg.AMQP.ConnectTimeout)
	durationEnv("BLINK_AMQP_RECONNECT_INTERVAL", &cfg.AMQP.ReconnectInterval)
	durationEnv("BLINK_AMQP_PUBLISH_TIMEOUT", &cfg.AMQP.PublishTimeout)
	durationEnv("BLINK_AMQP_SHUTDOWN_TIMEOUT", &cfg.AMQP.ShutdownTimeout)
	intEnv("BLINK_AMQP_PREFETCH", &cfg.AMQP.Prefetch)

	if v := os.Getenv("BLINK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BLINK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	intEnv("BLINK_REDIS_DB", &cfg.Redis.DB)
	if v := os.Getenv("BLINK_REDIS_KEY"); v != "" {
		cfg.Redis.Key = v
	}

	intEnv("BLINK_RETRY_LIMIT", &cfg.Retry.Limit)
	if v := os.Getenv("BLINK_RETRY_DELAYER"); v != "" {
		cfg.Retry.Delayer = v
	}
	durationEnv("BLINK_RETRY_REPUBLISH_INTERVAL", &cfg.Retry.RepublishInterval)
	intEnv("BLINK_RETRY_PROCESSING_LIMIT", &cfg.Retry.ProcessingLimit)

	if v := os.Getenv("BLINK_HEALTH_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	durationEnv("BLINK_HEALTH_TIMEOUT", &cfg.Health.Timeout)

	if v := os.Getenv("BLINK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BLINK_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func intEnv(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durationEnv(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
