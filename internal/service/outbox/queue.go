// Package outbox развязывает запись снимка и публикацию уведомления о ней: хранилище
// кладёт изменение в очередь и сразу возвращается, воркер отправляет его в брокер.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

const defaultCapacity = 1024

// ErrQueueFull: в очереди нет места для нового терминала.
var ErrQueueFull = errors.New("change outbox is full")

type record struct {
	change     domain.SnapshotChange
	enqueuedAt time.Time
}

// Stats: состояние очереди для метрик.
type Stats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Queue: очередь уведомлений в памяти. Уведомление лишь подсказывает соседям опросить
// хранилище раньше, поэтому для каждого терминала хранится только последнее изменение.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]record
	capacity int
	ready    chan struct{}
	now      func() time.Time
}

// NewQueue создаёт очередь на capacity терминалов; capacity <= 0: значение по умолчанию.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		pending:  make(map[string]record),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		now:      time.Now,
	}
}

// NotifyChange реализует domain.ChangeNotifier: ставит изменение в очередь, не блокируясь на брокере.
func (q *Queue) NotifyChange(_ context.Context, change domain.SnapshotChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev, exists := q.pending[change.TerminalID]
	if !exists && len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	enqueuedAt := q.now()
	if exists {
		// Замена не сдвигает очередь: терминал не должен голодать из-за частых правок.
		enqueuedAt = prev.enqueuedAt
	}
	q.pending[change.TerminalID] = record{change: change, enqueuedAt: enqueuedAt}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready сигналит, что в очереди появилось изменение. Сигналы схлопываются.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// PullPending возвращает до limit самых старых изменений, не удаляя их.
func (q *Queue) PullPending(limit int) []domain.SnapshotChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	records := make([]record, 0, len(q.pending))
	for _, rec := range q.pending {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].enqueuedAt.Equal(records[j].enqueuedAt) {
			return records[i].change.TerminalID < records[j].change.TerminalID
		}
		return records[i].enqueuedAt.Before(records[j].enqueuedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	out := make([]domain.SnapshotChange, len(records))
	for i, rec := range records {
		out[i] = rec.change
	}
	return out
}

// Ack убирает изменение из очереди, если за это время терминал не записал новое.
func (q *Queue) Ack(change domain.SnapshotChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.pending[change.TerminalID]; ok && rec.change.ID == change.ID {
		delete(q.pending, change.TerminalID)
	}
}

// Stats возвращает размер очереди и время самого старого изменения.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{PendingCount: len(q.pending)}
	for _, rec := range q.pending {
		if stats.OldestPendingAt.IsZero() || rec.enqueuedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.enqueuedAt
		}
	}
	return stats
}

var _ domain.ChangeNotifier = (*Queue)(nil)
