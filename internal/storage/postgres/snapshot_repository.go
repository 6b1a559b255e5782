package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// SnapshotRepository хранит снимки терминалов построчно: каждая запись: атомарный upsert
// одного ключа, поэтому одновременные записи разных терминалов не затирают друг друга.
type SnapshotRepository struct {
	db     *sql.DB
	logger *log.Entry
}

// NewSnapshotRepository создаёт репозиторий снимков.
func NewSnapshotRepository(store *Store) *SnapshotRepository {
	return &SnapshotRepository{
		db:     store.DB(),
		logger: log.WithField("component", "postgres-snapshot-repository"),
	}
}

// ReadAll читает все снимки. Неразбираемая запись пропускается: она ничего не резервирует.
func (r *SnapshotRepository) ReadAll(ctx context.Context) (domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT terminal_id, payload
		FROM terminal_snapshots
	`)
	if err != nil {
		return nil, transient("query terminal snapshots", err)
	}
	defer rows.Close()

	doc := make(domain.Document)
	for rows.Next() {
		var (
			terminalID string
			payload    []byte
		)
		if err := rows.Scan(&terminalID, &payload); err != nil {
			return nil, transient("scan terminal snapshot", err)
		}

		var snap domain.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			r.logger.WithError(err).WithField("terminal_id", terminalID).Warn("skipping undecodable snapshot")
			continue
		}
		doc[terminalID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate terminal snapshots", err)
	}
	return doc, nil
}

// Put выполняет upsert снимка терминала.
func (r *SnapshotRepository) Put(ctx context.Context, terminalID string, snapshot domain.Snapshot) error {
	if terminalID == "" {
		return domain.ErrTerminalIDRequired
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO terminal_snapshots (terminal_id, payload, session_id, updated_at)
		VALUES ($1, $2::jsonb, $3, NOW())
		ON CONFLICT (terminal_id) DO UPDATE
		SET payload = EXCLUDED.payload,
			session_id = EXCLUDED.session_id,
			updated_at = EXCLUDED.updated_at
	`, terminalID, string(payload), snapshot.SessionID); err != nil {
		return transient("upsert terminal snapshot", err)
	}
	return nil
}

// Delete удаляет снимок терминала; отсутствие строки не ошибка.
func (r *SnapshotRepository) Delete(ctx context.Context, terminalID string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM terminal_snapshots
		WHERE terminal_id = $1
	`, terminalID); err != nil {
		return transient("delete terminal snapshot", err)
	}
	return nil
}

// transient помечает ошибку БД как повторяемую, кроме отмены контекста.
func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreTransient, op, err)
}

var _ domain.SnapshotBackend = (*SnapshotRepository)(nil)
