// Package postgres реализует хранилище снимков, базу остатков и настройки кассы поверх PostgreSQL.
// Снимок терминала записывается одним атомарным upsert по ключу, поэтому одновременные
// записи разных касс не затирают друг друга.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 8
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// ErrSchemaOutdated: в базе остались неприменённые миграции.
var ErrSchemaOutdated = errors.New("postgres schema has pending migrations")

// PoolConfig: параметры пула соединений. Касса держит немного соединений:
// опрос и admission control идут последовательно.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnTimeout     time.Duration
}

// Option настраивает подключение.
type Option func(*PoolConfig)

// WithMaxOpenConns ограничивает число открытых соединений.
func WithMaxOpenConns(n int) Option {
	return func(c *PoolConfig) {
		if n > 0 {
			c.MaxOpenConns = n
			if c.MaxIdleConns > n {
				c.MaxIdleConns = n
			}
		}
	}
}

// WithConnTimeout задаёт таймаут проверки соединения.
func WithConnTimeout(d time.Duration) Option {
	return func(c *PoolConfig) {
		if d > 0 {
			c.ConnTimeout = d
		}
	}
}

// Store оборачивает SQL-подключение к PostgreSQL.
type Store struct {
	db          *sql.DB
	connTimeout time.Duration
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := PoolConfig{
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnTimeout:     defaultConnTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store := &Store{db: db, connTimeout: cfg.ConnTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	timeout := s.connTimeout
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// CheckSchema возвращает ErrSchemaOutdated, если миграции применены не все,
// и ErrMigrationDrift, если применённая миграция изменилась.
// Используется, когда автоматические миграции при старте выключены.
func (s *Store) CheckSchema(ctx context.Context) error {
	state, err := s.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	if len(state.Drifted) > 0 {
		return fmt.Errorf("%w: versions %v", ErrMigrationDrift, state.Drifted)
	}
	if state.Pending > 0 {
		return fmt.Errorf("%w: version=%d pending=%d", ErrSchemaOutdated, state.Version, state.Pending)
	}
	return nil
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
