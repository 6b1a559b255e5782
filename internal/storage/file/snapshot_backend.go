// Package file хранит документ снимков терминалов в одном JSON-файле, общем для всех процессов.
//
// Запись: это чтение всего документа, замена одного ключа и запись всего документа
// через временный файл и rename. Межпроцессной блокировки нет: при одновременной
// записи двумя терминалами выигрывает последний.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

const (
	filePerm = 0o644

	defaultCorruptReads = 3
	defaultCorruptDelay = 50 * time.Millisecond
)

// SnapshotBackend: файловая реализация domain.SnapshotBackend.
type SnapshotBackend struct {
	path   string
	logger *log.Entry

	corruptReads int
	corruptDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	// mu сериализует read-modify-write внутри одного процесса.
	mu sync.Mutex
}

// Option настраивает SnapshotBackend.
type Option func(*SnapshotBackend)

// WithCorruptReadRetry задаёт, сколько раз перечитывать повреждённый документ перед записью
// и паузу между попытками. Только после последней попытки документ перезаписывается с нуля.
func WithCorruptReadRetry(attempts int, delay time.Duration) Option {
	return func(b *SnapshotBackend) {
		if attempts > 0 {
			b.corruptReads = attempts
		}
		if delay >= 0 {
			b.corruptDelay = delay
		}
	}
}

// NewSnapshotBackend создаёт backend поверх файла path. Файл создаётся при первой записи.
func NewSnapshotBackend(path string, logger *log.Entry, opts ...Option) *SnapshotBackend {
	if logger == nil {
		logger = log.WithField("component", "file-snapshot-backend")
	}
	b := &SnapshotBackend{
		path:         path,
		logger:       logger.WithField("path", path),
		corruptReads: defaultCorruptReads,
		corruptDelay: defaultCorruptDelay,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Path возвращает путь к файлу документа.
func (b *SnapshotBackend) Path() string {
	return b.path
}

// ReadAll читает документ. Отсутствующий файл: пустой документ.
// Пустой или неразбираемый файл: domain.ErrStoreCorrupt.
func (b *SnapshotBackend) ReadAll(ctx context.Context) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Document{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrStoreTransient, b.path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrStoreCorrupt, b.path)
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrStoreCorrupt, b.path, err)
	}
	if doc == nil {
		doc = domain.Document{}
	}
	return doc, nil
}

// Put заменяет снимок терминала в документе.
func (b *SnapshotBackend) Put(ctx context.Context, terminalID string, snapshot domain.Snapshot) error {
	if terminalID == "" {
		return domain.ErrTerminalIDRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readForUpdate(ctx)
	if err != nil {
		return err
	}
	doc[terminalID] = snapshot
	return b.write(doc)
}

// Delete удаляет снимок терминала; если ключа нет, файл не перезаписывается.
func (b *SnapshotBackend) Delete(ctx context.Context, terminalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readForUpdate(ctx)
	if err != nil {
		return err
	}
	if _, ok := doc[terminalID]; !ok {
		return nil
	}
	delete(doc, terminalID)
	return b.write(doc)
}

// readForUpdate читает документ перед записью. Повреждённый документ перечитывается
// corruptReads раз: файл мог попасться посреди чужой записи. Если он так и не разобрался,
// запись идёт в пустой документ, иначе ни один терминал больше не сохранит свою корзину.
func (b *SnapshotBackend) readForUpdate(ctx context.Context) (domain.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= b.corruptReads; attempt++ {
		doc, err := b.ReadAll(ctx)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, domain.ErrStoreCorrupt) {
			return nil, err
		}
		lastErr = err
		if attempt == b.corruptReads {
			break
		}

		b.logger.WithField("attempt", attempt).WithError(err).Debug("snapshot document is corrupt, reading again")
		if err := b.sleep(ctx, b.corruptDelay); err != nil {
			return nil, err
		}
	}

	b.logger.WithField("attempts", b.corruptReads).WithError(lastErr).Warn("snapshot document is corrupt, rewriting it from scratch")
	return domain.Document{}, nil
}

// write атомарно заменяет файл: читатели видят либо старый, либо новый документ целиком.
func (b *SnapshotBackend) write(doc domain.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot document: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir %s: %w", domain.ErrStoreTransient, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", domain.ErrStoreTransient, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp file: %w", domain.ErrStoreTransient, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp file: %w", domain.ErrStoreTransient, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp file: %w", domain.ErrStoreTransient, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod temp file: %w", domain.ErrStoreTransient, err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replace %s: %w", domain.ErrStoreTransient, b.path, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.SnapshotBackend = (*SnapshotBackend)(nil)
