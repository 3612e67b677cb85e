package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	SpotWatch SpotWatchConfig `yaml:"spotwatch"`
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
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	OrderReadyTopicName string `yaml:"order_ready_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SpotWatchConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Интервал плановой сверки; снаружи ограничен 15..180 минутами.
	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes"`
	RefreshConcurrency     int `yaml:"refresh_concurrency"`

	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	RateLimitPerMinute  int `yaml:"rate_limit_per_minute"`

	ViewCacheTTLSeconds int `yaml:"view_cache_ttl_seconds"`

	SpotAPIBaseURL  string `yaml:"spot_api_base_url"`
	SpotAPIConfigID int    `yaml:"spot_api_config_id"`
	// Демо-режим без внешнего API.
	UseFakeSource bool `yaml:"use_fake_source"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
