// Package config собирает настройки терминала и сервера хранилища из окружения.
//
// Переменные читаются с префиксом POS_ (например POS_TERMINAL_ID). Перед разбором
// можно подгрузить .env-файл: уже выставленные переменные окружения он не перекрывает.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix: префикс переменных окружения.
const EnvPrefix = "POS"

// Драйверы хранилища снимков.
const (
	StoreDriverFile     = "file"
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverRemote   = "remote"
)

// Источники остатков и настроек.
const (
	SourceMemory   = "memory"
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

// Config: настройки процесса.
type Config struct {
	TerminalID string `envconfig:"TERMINAL_ID"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"file"`
	StateFile   string `envconfig:"STATE_FILE" default:"pos_sessions.json"`
	StoreAddr   string `envconfig:"STORE_ADDR" default:"localhost:50061"`

	StoreMaxAttempts int           `envconfig:"STORE_MAX_ATTEMPTS" default:"3"`
	StoreRetryDelay  time.Duration `envconfig:"STORE_RETRY_DELAY" default:"50ms"`
	StoreCallTimeout time.Duration `envconfig:"STORE_CALL_TIMEOUT" default:"3s"`

	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`

	StockSource string `envconfig:"STOCK_SOURCE" default:"memory"`
	CatalogFile string `envconfig:"CATALOG_FILE"`

	SettingsSource     string `envconfig:"SETTINGS_SOURCE" default:"file"`
	SettingsFile       string `envconfig:"SETTINGS_FILE" default:"pos_settings.env"`
	AllowNegativeStock bool   `envconfig:"ALLOW_NEGATIVE_STOCK" default:"false"`

	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"1m"`
	StaleAfter        time.Duration `envconfig:"STALE_AFTER" default:"10m"`
	RestoreOnStart    bool          `envconfig:"RESTORE_ON_START" default:"true"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"pos.snapshot.events"`

	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50061"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

var (
	ErrUnknownStoreDriver = errors.New("unknown store driver")
	ErrUnknownSource      = errors.New("unknown source")
	ErrPostgresDSNMissing = errors.New("postgres dsn is required")
	ErrInvalidInterval    = errors.New("interval must be greater than zero")
)

// DefaultConfig возвращает значения по умолчанию, те же, что в тегах default.
func DefaultConfig() Config {
	return Config{
		StoreDriver:         StoreDriverFile,
		StateFile:           "pos_sessions.json",
		StoreAddr:           "localhost:50061",
		StoreMaxAttempts:    3,
		StoreRetryDelay:     50 * time.Millisecond,
		StoreCallTimeout:    3 * time.Second,
		PostgresAutoMigrate: true,
		StockSource:         SourceMemory,
		SettingsSource:      SourceFile,
		SettingsFile:        "pos_settings.env",
		PollInterval:        time.Second,
		HeartbeatInterval:   time.Minute,
		StaleAfter:          10 * time.Minute,
		RestoreOnStart:      true,
		KafkaTopic:          "pos.snapshot.events",
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50061",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
	}
}

// Load читает .env-файл (если задан и существует), затем окружение.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.StockSource = strings.ToLower(strings.TrimSpace(cfg.StockSource))
	cfg.SettingsSource = strings.ToLower(strings.TrimSpace(cfg.SettingsSource))
	return cfg, nil
}

// Validate проверяет согласованность настроек. Идентификатор терминала
// проверяет вызывающий код: серверу хранилища он не нужен.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverFile, StoreDriverMemory, StoreDriverPostgres, StoreDriverRemote:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, c.StoreDriver)
	}
	switch c.StockSource {
	case SourceMemory, SourcePostgres:
	default:
		return fmt.Errorf("%w: stock %q", ErrUnknownSource, c.StockSource)
	}
	switch c.SettingsSource {
	case SourceMemory, SourceFile, SourcePostgres:
	default:
		return fmt.Errorf("%w: settings %q", ErrUnknownSource, c.SettingsSource)
	}
	if c.NeedsPostgres() && strings.TrimSpace(c.PostgresDSN) == "" {
		return ErrPostgresDSNMissing
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll", ErrInvalidInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat", ErrInvalidInterval)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// NeedsPostgres сообщает, что хотя бы один компонент работает через PostgreSQL.
func (c Config) NeedsPostgres() bool {
	return c.StoreDriver == StoreDriverPostgres || c.StockSource == SourcePostgres || c.SettingsSource == SourcePostgres
}

// KafkaEnabled сообщает, что заданы брокеры Kafka.
func (c Config) KafkaEnabled() bool {
	for _, b := range c.KafkaBrokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

// ConfigureLogger выставляет формат и уровень глобального логгера.
func (c Config) ConfigureLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
