package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Name               string `yaml:"name"`
	MaxConns           int32  `yaml:"max_conns"`
	SlowQueryThreshold int    `yaml:"slow_query_threshold_ms"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL        string `yaml:"url"`
	MaxRetries int64  `yaml:"max_retries"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig 选择通知持久化后端：postgres 或 memory
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// NotificationConfig 通知会话相关配置
type NotificationConfig struct {
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds"`
	DedupTTLSeconds           int `yaml:"dedup_ttl_seconds"`
	OutboxIntervalMillis      int `yaml:"outbox_interval_ms"`
	OutboxBatchSize           int `yaml:"outbox_batch_size"`
	OutboxMaxRetries          int `yaml:"outbox_max_retries"`
}

// SessionIdleTimeout 空闲会话的回收时间，默认 30 分钟
func (c NotificationConfig) SessionIdleTimeout() time.Duration {
	return secondsOr(c.SessionIdleTimeoutSeconds, 30*time.Minute)
}

// DedupTTL Redis 去重 key 的过期时间，默认 1 小时
func (c NotificationConfig) DedupTTL() time.Duration {
	return secondsOr(c.DedupTTLSeconds, time.Hour)
}

// OutboxInterval outbox 扫描间隔，默认 1 秒
func (c NotificationConfig) OutboxInterval() time.Duration {
	if c.OutboxIntervalMillis <= 0 {
		return time.Second
	}
	return time.Duration(c.OutboxIntervalMillis) * time.Millisecond
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideStorageFromEnv 从环境变量覆盖存储后端
func OverrideStorageFromEnv(cfg *StorageConfig) {
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Driver = driver
	}
}

// OverrideOTelFromEnv 设置了 OTEL_ENDPOINT 即视为开启
func OverrideOTelFromEnv(cfg *OTelConfig) {
	if endpoint := os.Getenv("OTEL_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
		cfg.Enabled = true
	}
}
