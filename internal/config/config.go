package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orkestr configuration.
// Priority: env vars (ORKESTR_*) > orkestr.yaml > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Queue struct {
		Name        string `mapstructure:"name"`
		Concurrency int    `mapstructure:"concurrency"`
	} `mapstructure:"queue"`

	OpenAI struct {
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		TimeoutMs int    `mapstructure:"timeout_ms"`
	} `mapstructure:"openai"`

	Watchdog struct {
		Cron             string `mapstructure:"cron"`
		ThresholdMinutes int    `mapstructure:"threshold_minutes"`
	} `mapstructure:"watchdog"`
}

// AITimeout returns the configured provider timeout as a duration.
func (c *Config) AITimeout() time.Duration {
	if c.OpenAI.TimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.OpenAI.TimeoutMs) * time.Millisecond
}

// Load reads configuration from orkestr.yaml (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("orkestr")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ORKESTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":3000")
	v.SetDefault("db_path", "file:orkestr.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.name", "step-runs")
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout_ms", 15000)
	v.SetDefault("watchdog.cron", "*/10 * * * *")
	v.SetDefault("watchdog.threshold_minutes", 10)

	// Config file is optional; env-only deployments are the common case.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
