package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultBatchSize    = 100
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 50 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
)

// Результаты публикации в метрике pos_outbox_publish_attempts_total.
const (
	resultSent    = "sent"
	resultFailed  = "retry_error"
	resultDropped = "dropped"
)

type workerMetrics struct {
	attempts  *prometheus.CounterVec
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
}

func newWorkerMetrics(reg prometheus.Registerer) workerMetrics {
	factory := promauto.With(reg)
	return workerMetrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_outbox_publish_attempts_total",
			Help: "Snapshot change publish attempts grouped by result.",
		}, []string{"result"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pos_outbox_pending_changes",
			Help: "Snapshot changes waiting to be published.",
		}),
		oldestAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pos_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest unpublished snapshot change.",
		}),
	}
}

// Worker переносит изменения из очереди в брокер.
type Worker struct {
	queue      *Queue
	publisher  domain.ChangeNotifier
	logger     *log.Entry
	registerer prometheus.Registerer
	interval   time.Duration
	batchSize  int
	attempts   int
	retryDelay time.Duration
	metrics    workerMetrics
	now        func() time.Time
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRegisterer задаёт реестр метрик вместо глобального.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) {
		if reg != nil {
			w.registerer = reg
		}
	}
}

// WithPollInterval задаёт период повторного просмотра очереди, если сигналов не было.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize ограничивает число изменений за один проход.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxAttempts задаёт число попыток на одно изменение.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.attempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.retryDelay = d
		}
	}
}

// NewWorker создаёт воркер.
func NewWorker(queue *Queue, publisher domain.ChangeNotifier, opts ...Option) *Worker {
	w := &Worker{
		queue:      queue,
		publisher:  publisher,
		logger:     log.WithField("component", "outbox-worker"),
		registerer: prometheus.DefaultRegisterer,
		interval:   defaultPollInterval,
		batchSize:  defaultBatchSize,
		attempts:   defaultMaxAttempts,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWorkerMetrics(w.registerer)
	return w
}

// Run публикует изменения по сигналу очереди и по таймеру до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no queue or publisher")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Ready():
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну пачку и возвращает число доставленных изменений.
// Изменение, не доставленное за все попытки, выбрасывается: соседи увидят его при следующем опросе.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	defer w.observeBacklog()

	sent := 0
	for _, change := range w.queue.PullPending(w.batchSize) {
		if ctx.Err() != nil {
			return sent
		}
		err := w.publish(ctx, change)
		if ctx.Err() != nil {
			return sent
		}
		if err != nil {
			w.logger.WithFields(log.Fields{
				"change_id":   change.ID,
				"terminal_id": change.TerminalID,
				"kind":        change.Kind,
			}).WithError(err).Warn("snapshot change dropped")
			w.metrics.attempts.WithLabelValues(resultDropped).Inc()
		} else {
			sent++
		}
		w.queue.Ack(change)
	}
	return sent
}

func (w *Worker) publish(ctx context.Context, change domain.SnapshotChange) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.NotifyChange(ctx, change); err == nil {
			w.metrics.attempts.WithLabelValues(resultSent).Inc()
			return nil
		}
		w.metrics.attempts.WithLabelValues(resultFailed).Inc()
		if attempt >= w.attempts {
			return fmt.Errorf("publish after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff(attempt)):
		}
	}
}

// backoff возвращает паузу после попытки attempt (с единицы): retryDelay, 2*retryDelay, ... не больше maxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (w *Worker) observeBacklog() {
	stats := w.queue.Stats()
	w.metrics.pending.Set(float64(stats.PendingCount))

	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt).Seconds()
	}
	if age < 0 {
		age = 0
	}
	w.metrics.oldestAge.Set(age)
}
