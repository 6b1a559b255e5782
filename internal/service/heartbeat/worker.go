// Package heartbeat продлевает снимок терминала, пока корзина не пуста, чтобы другие
// терминалы не посчитали его резерв брошенным.
package heartbeat

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultInterval = 1 * time.Minute

// Beater: сессия, которая умеет перезаписать свой снимок.
type Beater interface {
	Heartbeat(ctx context.Context) bool
}

// Options задаёт параметры воркера.
type Options struct {
	Logger   *log.Entry
	Interval time.Duration
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт период heartbeat. Он должен быть заметно меньше TTL резервов.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// Worker периодически вызывает Heartbeat сессии.
type Worker struct {
	session  Beater
	logger   *log.Entry
	interval time.Duration
}

// NewWorker создаёт heartbeat-воркер.
func NewWorker(session Beater, options ...Option) *Worker {
	opts := Options{Interval: defaultInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "heartbeat-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	return &Worker{
		session:  session,
		logger:   logger,
		interval: opts.Interval,
	}
}

// Run продлевает снимок до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.session == nil {
		w.logger.Warn("heartbeat worker is disabled: session is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.session.Heartbeat(ctx) {
				w.logger.Debug("snapshot heartbeat written")
			}
		}
	}
}
