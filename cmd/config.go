package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"rent-radar/internal/crawler"
	"rent-radar/internal/events"
	"rent-radar/internal/fetcher"
	"rent-radar/internal/notifier"
	"rent-radar/internal/scheduler"
	"rent-radar/internal/storage"
	"rent-radar/internal/subscription"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AppConfig 应用配置。
type AppConfig struct {
	Fetcher      fetcher.Config       `yaml:"fetcher"`
	Crawler      crawler.Config       `yaml:"crawler"`
	Scheduler    scheduler.Config     `yaml:"scheduler"`
	Delivery     notifier.GateConfig  `yaml:"delivery"`
	Email        notifier.EmailConfig `yaml:"email"`
	Subscription subscription.Config  `yaml:"subscription"`
	Database     storage.Config       `yaml:"database"`
	Redis        events.Config        `yaml:"redis"`
	Server       ServerConfig         `yaml:"server"`
	Log          LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// loadConfig 读取 .env 与 YAML 配置，环境变量优先。配置文件不存在时使用默认值。
func loadConfig() (AppConfig, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	var cfg AppConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && os.Getenv("CONFIG_FILE") == "":
	default:
		return AppConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.Fetcher.BaseURL, "FETCHER_BASE_URL")
	setString(&cfg.Fetcher.Mode, "FETCHER_MODE")
	setString(&cfg.Crawler.BaseURL, "CRAWLER_BASE_URL")
	setString(&cfg.Email.Host, "SMTP_HOST")
	setString(&cfg.Email.Username, "SMTP_USERNAME")
	setString(&cfg.Email.Password, "SMTP_PASSWORD")
	setString(&cfg.Email.From, "SMTP_FROM")
	if v, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil {
		cfg.Email.Port = v
	}
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.Path, "DB_PATH")
	setString(&cfg.Database.DSN, "PG_DSN")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if v, err := strconv.ParseBool(os.Getenv("LOG_PRETTY")); err == nil {
		cfg.Log.Pretty = v
	}

	if cfg.Crawler.BaseURL == "" {
		cfg.Crawler.BaseURL = cfg.Fetcher.BaseURL
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
}

func validate(cfg AppConfig) error {
	if strings.TrimSpace(cfg.Crawler.BaseURL) == "" {
		return errors.New("crawler.base_url (or fetcher.base_url) must not be empty")
	}
	switch strings.ToLower(cfg.Fetcher.Mode) {
	case "", "http", "browser":
	default:
		return fmt.Errorf("fetcher.mode must be http or browser, got %q", cfg.Fetcher.Mode)
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, raw := range map[string]string{
		"scheduler.tick_timeout":  cfg.Scheduler.TickTimeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, raw)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// newLogger 构建根日志；pretty 时输出到控制台格式。
func newLogger(cfg LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
