// Package storage реализует общее хранилище снимков терминалов поверх сменного backend.
//
// Store никогда не роняет терминал из-за хранилища: чтение после исчерпания повторов
// возвращает пустой документ, ошибки записи логируются.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/metrics"
)

const (
	opLoad   = "load"
	opSave   = "save"
	opDelete = "delete"
)

// Store: общее хранилище снимков с ограниченными повторами.
type Store struct {
	backend  domain.SnapshotBackend
	retry    RetryConfig
	logger   *log.Entry
	notifier domain.ChangeNotifier
	metrics  *metrics.ReservationMetrics
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu        sync.RWMutex
	lastErr   error
	lastErrAt time.Time
}

// Option настраивает Store.
type Option func(*Store)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryConfig задаёт политику повторов.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Store) {
		s.retry = cfg.normalized()
	}
}

// WithNotifier подключает публикацию уведомлений об изменениях.
func WithNotifier(notifier domain.ChangeNotifier) Option {
	return func(s *Store) {
		s.notifier = notifier
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore создаёт хранилище поверх backend.
func NewStore(backend domain.SnapshotBackend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		retry:   DefaultRetryConfig(),
		logger:  log.WithField("component", "snapshot-store"),
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll читает весь документ. При исчерпании повторов возвращает пустой документ.
func (s *Store) LoadAll(ctx context.Context) domain.Document {
	var doc domain.Document
	err := s.execute(ctx, opLoad, "", func() error {
		var err error
		doc, err = s.backend.ReadAll(ctx)
		return err
	})
	if err != nil || doc == nil {
		return domain.Document{}
	}
	return doc
}

// SaveSnapshot записывает снимок терминала. Ошибка уже залогирована; вызывающий код может её игнорировать.
func (s *Store) SaveSnapshot(ctx context.Context, terminalID string, snapshot domain.Snapshot) error {
	err := s.execute(ctx, opSave, terminalID, func() error {
		return s.backend.Put(ctx, terminalID, snapshot)
	})
	if err == nil {
		s.notify(ctx, domain.ChangeSaved, terminalID, snapshot.SessionID)
	}
	return err
}

// DeleteSnapshot удаляет снимок терминала; отсутствие ключа не ошибка.
func (s *Store) DeleteSnapshot(ctx context.Context, terminalID string) error {
	err := s.execute(ctx, opDelete, terminalID, func() error {
		return s.backend.Delete(ctx, terminalID)
	})
	if err == nil {
		s.notify(ctx, domain.ChangeDeleted, terminalID, "")
	}
	return err
}

// LastFailure возвращает время и ошибку последней неудачной операции; ошибка nil после успешной.
func (s *Store) LastFailure() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErrAt, s.lastErr
}

// Healthy используется health-проверкой.
func (s *Store) Healthy() error {
	_, err := s.LastFailure()
	return err
}

func (s *Store) execute(ctx context.Context, operation, terminalID string, fn func() error) error {
	started := s.now()
	delay := s.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				s.logger.WithFields(log.Fields{
					"operation":   operation,
					"terminal_id": terminalID,
					"attempt":     attempt,
				}).Info("store operation succeeded after retry")
			}
			s.setLastError(nil)
			s.metrics.RecordStoreOperation(operation, metrics.ResultOK, s.now().Sub(started))
			return nil
		}

		lastErr = err
		if !shouldRetry(err) {
			break
		}

		if attempt < s.retry.MaxAttempts {
			s.logger.WithFields(log.Fields{
				"operation":   operation,
				"terminal_id": terminalID,
				"attempt":     attempt,
				"delay":       delay,
			}).WithError(err).Warn("store operation failed, retrying")
			s.metrics.RecordStoreRetry(operation)

			if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
				lastErr = sleepErr
				break
			}
			delay = s.retry.next(delay)
		}
	}

	result := metrics.ResultError
	if operation == opLoad {
		result = metrics.ResultDegraded
	}
	s.metrics.RecordStoreOperation(operation, result, s.now().Sub(started))
	s.setLastError(lastErr)

	entry := s.logger.WithFields(log.Fields{
		"operation":    operation,
		"terminal_id":  terminalID,
		"max_attempts": s.retry.MaxAttempts,
	}).WithError(lastErr)
	if operation == opLoad {
		entry.Error("store read failed, continuing with empty document")
	} else {
		entry.Error("store write failed")
	}
	return lastErr
}

func (s *Store) notify(ctx context.Context, kind domain.ChangeKind, terminalID, sessionID string) {
	if s.notifier == nil {
		return
	}
	change := domain.SnapshotChange{
		ID:         uuid.NewString(),
		Kind:       kind,
		TerminalID: terminalID,
		SessionID:  sessionID,
		At:         s.now().UTC(),
	}
	if err := s.notifier.NotifyChange(ctx, change); err != nil {
		s.logger.WithFields(log.Fields{
			"terminal_id": terminalID,
			"kind":        kind,
		}).WithError(err).Warn("failed to publish snapshot change")
	}
}

func (s *Store) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		s.lastErrAt = s.now()
	}
}
