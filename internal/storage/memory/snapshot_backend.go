package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// snapshotBackendInMemory: in-memory реализация SnapshotBackend с атомарной записью по ключу.
type snapshotBackendInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Snapshot
}

// NewSnapshotBackend возвращает in-memory хранилище снимков для тестов и сервера состояния.
func NewSnapshotBackend() domain.SnapshotBackend {
	return &snapshotBackendInMemory{
		items: make(map[string]domain.Snapshot),
	}
}

// ReadAll возвращает копию документа, чтобы вызывающий код не мог мутировать хранилище.
func (b *snapshotBackendInMemory) ReadAll(ctx context.Context) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	doc := make(domain.Document, len(b.items))
	for id, snap := range b.items {
		doc[id] = snap.Clone()
	}
	return doc, nil
}

// Put перезаписывает снимок терминала.
func (b *snapshotBackendInMemory) Put(ctx context.Context, terminalID string, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if terminalID == "" {
		return domain.ErrTerminalIDRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	b.items[terminalID] = snapshot.Clone()
	return nil
}

// Delete удаляет снимок; отсутствие ключа: no-op.
func (b *snapshotBackendInMemory) Delete(ctx context.Context, terminalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.items, terminalID)
	return nil
}

var _ domain.SnapshotBackend = (*snapshotBackendInMemory)(nil)
