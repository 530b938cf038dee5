package config

import (
	"fmt"

	"podnotify/pkg/config"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config server 和 worker 共用
type Config struct {
	Service      string                    `yaml:"service"`
	Log          LogConfig                 `yaml:"log"`
	DB           config.DBConfig           `yaml:"db"`
	MQ           config.MQConfig           `yaml:"mq"`
	Redis        config.RedisConfig        `yaml:"redis"`
	JWT          config.JWTConfig          `yaml:"jwt"`
	Server       config.ServerConfig       `yaml:"server"`
	Storage      config.StorageConfig      `yaml:"storage"`
	Notification config.NotificationConfig `yaml:"notification"`
	OTel         config.OTelConfig         `yaml:"otel"`
}

// Load 读取 config/base.yaml + config/<CONFIG_ENV>.yaml，环境变量优先级最高
func Load() (*Config, error) {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideStorageFromEnv(&cfg.Storage)
	config.OverrideOTelFromEnv(&cfg.OTel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查启动必需的配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = DriverPostgres
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	return nil
}
