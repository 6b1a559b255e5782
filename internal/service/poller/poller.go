// Package poller периодически перечитывает общее хранилище и пересчитывает резервы
// других терминалов для товаров на экране.
package poller

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/metrics"
	"github.com/vladislavdragonenkov/posreserve/internal/service/terminal"
)

const defaultPollInterval = 1 * time.Second

// Syncer: то, что умеет пересчитать резервы за один проход.
type Syncer interface {
	SyncReservations(ctx context.Context) terminal.SyncResult
}

// Options задаёт параметры опроса.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.ReservationMetrics
	Interval time.Duration
}

// Option настраивает Poller.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики опроса.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithInterval задаёт период опроса.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// Poller: фоновый опрос хранилища. Хранилище не изменяет.
type Poller struct {
	syncer   Syncer
	logger   *log.Entry
	metrics  *metrics.ReservationMetrics
	interval time.Duration
	trigger  chan struct{}
}

// New создаёт poller.
func New(syncer Syncer, options ...Option) *Poller {
	opts := Options{Interval: defaultPollInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "sync-poller")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}

	return &Poller{
		syncer:   syncer,
		logger:   logger,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Interval возвращает период опроса.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run опрашивает хранилище до отмены ctx. Первый тик выполняется сразу.
func (p *Poller) Run(ctx context.Context) {
	if p.syncer == nil {
		p.logger.Warn("sync poller is disabled: syncer is nil")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.trigger:
			p.Tick(ctx)
		}
	}
}

// Trigger просит выполнить внеочередной тик. Несколько запросов до тика схлопываются в один.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Tick выполняет один опрос.
func (p *Poller) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	result := p.syncer.SyncReservations(ctx)
	p.metrics.RecordPoll(time.Since(started), result.Products, result.StaleTerminals)

	if len(result.Changed) > 0 {
		p.logger.WithFields(log.Fields{
			"changed":  result.Changed,
			"products": result.Products,
		}).Debug("reservations changed")
	}
}
