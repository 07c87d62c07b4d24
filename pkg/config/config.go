// Package config загружает типизированную конфигурацию tankwatch из YAML и окружения.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pv/tankwatch-go/internal/bridge"
	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/storage"
)

// Переменные окружения, перекрывающие файл (секреты удобнее держать в .env).
const (
	EnvDB             = "TANKWATCH_DB"
	EnvHTTPAddr       = "TANKWATCH_HTTP_ADDR"
	EnvJWTSecret      = "TANKWATCH_JWT_SECRET"
	EnvTelegramToken  = "TELEGRAM_TOKEN"
	EnvTelegramChatID = "TELEGRAM_CHAT_ID"
	EnvAlertWebhook   = "TANKWATCH_ALERT_WEBHOOK"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Demo       DemoConfig       `yaml:"demo"`
	Auth       AuthConfig       `yaml:"auth"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Bridge     bridge.Config    `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig: DSN выбирает бэкенд: postgres://, sqlite://, clickhouse://, influxdb://, mem://.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	Table        string        `yaml:"table"`
	Channel      string        `yaml:"channel"`
	PollInterval time.Duration `yaml:"poll_interval"`
	CreateSchema bool          `yaml:"create_schema"`
	MaxConns     int32         `yaml:"max_conns"`
	SQLiteWAL    bool          `yaml:"sqlite_wal"`
}

type ReconcilerConfig struct {
	Policy       string        `yaml:"policy"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DemoConfig включает генератор показаний, когда DSN не задан или указывает на mem://.
type DemoConfig struct {
	Interval time.Duration `yaml:"interval"`
	Seed     int           `yaml:"seed"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type AlertsConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
	WebhookURL     string `yaml:"webhook_url"`
	QueueSize      int    `yaml:"queue_size"`
}

// LoggingConfig: при пустом File логи идут в stderr, иначе ротируются lumberjack.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Debug      bool   `yaml:"debug"`
}

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load читает YAML, накладывает окружение и проверяет результат.
// Неизвестные ключи считаются ошибкой.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse разбирает YAML без чтения файла.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv загружает переменные из .env-файлов. Отсутствующие файлы пропускаются,
// уже заданные переменные окружения не перезаписываются.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// ApplyEnv перекрывает поля непустыми переменными окружения.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvDB); v != "" {
		c.Database.DSN = v
	}
	if v := getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Alerts.TelegramToken = v
	}
	if v := getenv(EnvTelegramChatID); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvTelegramChatID, err)
		}
		c.Alerts.TelegramChatID = id
	}
	if v := getenv(EnvAlertWebhook); v != "" {
		c.Alerts.WebhookURL = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Database.Table == "" {
		c.Database.Table = storage.DefaultTable
	}
	if c.Database.PollInterval <= 0 {
		c.Database.PollInterval = storage.DefaultPollInterval
	}
	if c.Reconciler.Policy == "" {
		c.Reconciler.Policy = reconciler.PolicyGuard.String()
	}
	if c.Reconciler.FetchTimeout <= 0 {
		c.Reconciler.FetchTimeout = reconciler.DefaultFetchTimeout
	}
	if c.Demo.Interval <= 0 {
		c.Demo.Interval = time.Second
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 16
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Bridge.Endpoint != "" {
		c.Bridge.ApplyDefaults()
	}
}

// Validate проверяет значения, которые иначе всплыли бы только при старте компонентов.
func (c *Config) Validate() error {
	if _, err := reconciler.ParsePolicy(c.Reconciler.Policy); err != nil {
		return fmt.Errorf("config: reconciler.policy: %w", err)
	}
	if err := storage.ValidIdent(c.Database.Table); err != nil {
		return fmt.Errorf("config: database.table: %w", err)
	}
	if c.Database.Channel != "" {
		if err := storage.ValidIdent(c.Database.Channel); err != nil {
			return fmt.Errorf("config: database.channel: %w", err)
		}
	}
	if c.Database.MaxConns < 0 {
		return errors.New("config: database.max_conns must not be negative")
	}
	if c.Alerts.TelegramToken != "" && c.Alerts.TelegramChatID == 0 {
		return errors.New("config: alerts.telegram_chat_id is required with a telegram token")
	}
	if c.Demo.Seed < 0 {
		return errors.New("config: demo.seed must not be negative")
	}
	if c.Bridge.Endpoint != "" {
		if err := c.Bridge.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Redacted возвращает копию без секретов, пригодную для логов.
func (c Config) Redacted() Config {
	c.Database.DSN = storage.RedactDSN(c.Database.DSN)
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "xxxxx"
	}
	if c.Alerts.TelegramToken != "" {
		c.Alerts.TelegramToken = "xxxxx"
	}
	if c.Alerts.WebhookURL != "" {
		c.Alerts.WebhookURL = storage.RedactDSN(c.Alerts.WebhookURL)
	}
	if c.Bridge.Password != "" {
		c.Bridge.Password = "xxxxx"
	}
	return c
}
