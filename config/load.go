package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mexc-quoter/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Session  SessionConfig  `yaml:"session"`
	Logger   logger.Config  `yaml:"logger"`
}

type ServerConfig struct {
	ListenAddr     string   `yaml:"listenAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type ExchangeConfig struct {
	RestURL    string  `yaml:"restURL"`
	WSEndpoint string  `yaml:"wsEndpoint"`
	RestRate   float64 `yaml:"restRate"`  // REST 限流：每秒令牌数
	RestBurst  int     `yaml:"restBurst"` // REST 限流：最大突发令牌数
}

// SessionConfig 会话缺省参数；凭证随 start 请求提交，不入配置文件。
type SessionConfig struct {
	MaxPriceDeviation float64 `yaml:"maxPriceDeviation"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			ListenAddr:     ":8001",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Exchange: ExchangeConfig{
			RestURL:    "https://api.mexc.com",
			WSEndpoint: "wss://wbs.mexc.com/ws",
			RestRate:   5,
			RestBurst:  10,
		},
		Session: SessionConfig{
			MaxPriceDeviation: 0.05,
		},
		Logger: logger.DefaultConfig(),
	}
}

// Load reads YAML config from path over the defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("QUOTER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("QUOTER_FRONTEND_URL"); v != "" {
		cfg.Server.AllowedOrigins = []string{v}
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present and sane.
func Validate(cfg AppConfig) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("server.listenAddr is required")
	}
	if cfg.Exchange.RestURL == "" {
		return errors.New("exchange.restURL is required")
	}
	if cfg.Exchange.WSEndpoint == "" {
		return errors.New("exchange.wsEndpoint is required")
	}
	if cfg.Exchange.RestRate <= 0 {
		return errors.New("exchange.restRate must be > 0")
	}
	if cfg.Exchange.RestBurst <= 0 {
		return errors.New("exchange.restBurst must be > 0")
	}
	if cfg.Session.MaxPriceDeviation <= 0 || cfg.Session.MaxPriceDeviation >= 1 {
		return errors.New("session.maxPriceDeviation must be in (0,1)")
	}
	return nil
}
