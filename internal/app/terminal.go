package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/health"
	"github.com/vladislavdragonenkov/posreserve/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/posreserve/internal/metrics"
	"github.com/vladislavdragonenkov/posreserve/internal/service/admission"
	"github.com/vladislavdragonenkov/posreserve/internal/service/heartbeat"
	"github.com/vladislavdragonenkov/posreserve/internal/service/poller"
	"github.com/vladislavdragonenkov/posreserve/internal/service/terminal"
	"github.com/vladislavdragonenkov/posreserve/internal/storage"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/postgres"
	"github.com/vladislavdragonenkov/posreserve/internal/transport"
	"github.com/vladislavdragonenkov/posreserve/internal/version"
)

// ErrTerminalIDRequired: терминалу нужен идентификатор кассы.
var ErrTerminalIDRequired = errors.New("POS_TERMINAL_ID is required")

// Terminal собирает процесс кассы: сессия, фоновые воркеры и HTTP API.
type Terminal struct {
	Config  config.Config
	Session *terminal.Session
	Store   *storage.Store
	Stock   domain.StockProvider

	logger    *log.Entry
	registry  *prometheus.Registry
	poller    *poller.Poller
	heartbeat *heartbeat.Worker
	health    *health.Handler
	pg        *postgres.Store
	relay     *changeRelay
	resources closers
}

// BuildTerminal собирает зависимости терминала по конфигурации. Ресурсы освобождает Close.
func BuildTerminal(ctx context.Context, cfg config.Config) (*Terminal, error) {
	cfg.TerminalID = strings.TrimSpace(cfg.TerminalID)
	if cfg.TerminalID == "" {
		return nil, ErrTerminalIDRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"component": "terminal", "terminal_id": cfg.TerminalID})
	t := &Terminal{
		Config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	t.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := t.build(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Terminal) build(ctx context.Context) error {
	cfg := t.Config
	m := metrics.NewReservationMetricsWithRegisterer(t.registry)

	if cfg.NeedsPostgres() {
		pg, err := openPostgres(ctx, cfg, t.logger)
		if err != nil {
			return err
		}
		t.pg = pg
		t.resources.add("postgres", pg.Close)
	}

	backend, err := buildBackend(cfg, t.pg, t.logger, &t.resources)
	if err != nil {
		return err
	}
	stock, err := buildStock(cfg, t.pg)
	if err != nil {
		return err
	}
	flags, err := buildSettings(cfg, t.pg)
	if err != nil {
		return err
	}
	t.Stock = stock

	storeOpts := []storage.Option{
		storage.WithLogger(t.logger.WithField("layer", "store")),
		storage.WithRetryConfig(retryConfig(cfg)),
		storage.WithMetrics(m),
	}
	if t.relay = initKafkaProducer(cfg, t.registry, t.logger, &t.resources); t.relay != nil {
		storeOpts = append(storeOpts, storage.WithNotifier(t.relay.queue))
	}
	t.Store = storage.NewStore(backend, storeOpts...)

	gate := admission.NewController(stock, flags,
		admission.WithLogger(t.logger.WithField("layer", "admission")),
		admission.WithMetrics(m),
	)
	session, err := terminal.NewSession(cfg.TerminalID, t.Store, stock, gate,
		terminal.WithLogger(t.logger.WithField("layer", "session")),
		terminal.WithMetrics(m),
		terminal.WithStaleAfter(cfg.StaleAfter),
		terminal.WithRefreshFunc(func(ids []string) {
			t.logger.WithField("products", ids).Debug("visible stock changed")
		}),
	)
	if err != nil {
		return err
	}
	t.Session = session

	t.poller = poller.New(session,
		poller.WithLogger(t.logger.WithField("layer", "poller")),
		poller.WithMetrics(m),
		poller.WithInterval(cfg.PollInterval),
	)
	t.heartbeat = heartbeat.NewWorker(session,
		heartbeat.WithLogger(t.logger.WithField("layer", "heartbeat")),
		heartbeat.WithInterval(cfg.HeartbeatInterval),
	)

	t.health = health.NewHandler("pos-terminal", cfg.TerminalID, version.GetVersion())
	t.health.RegisterChecker("snapshot_store", health.NewDegradedChecker("snapshot_store", func(context.Context) error {
		return t.Store.Healthy()
	}))
	if t.pg != nil {
		t.health.RegisterChecker("postgres", health.NewSimpleChecker("postgres", t.pg.Ping))
	}
	return nil
}

// Start восстанавливает или сбрасывает корзину и загружает каталог.
func (t *Terminal) Start(ctx context.Context) {
	if t.Config.RestoreOnStart {
		if !t.Session.Restore(ctx) {
			t.logger.Info("no previous snapshot, starting with empty cart")
		}
	} else {
		t.Session.ClearCart(ctx)
	}
	if err := t.Session.LoadCatalog(ctx); err != nil {
		t.logger.WithError(err).Warn("catalog load failed, visible stock will show zero until reload")
	}
}

// Handler возвращает HTTP API терминала.
func (t *Terminal) Handler() http.Handler {
	return transport.Router(t.Session,
		transport.WithLogger(t.logger.WithField("layer", "http")),
		transport.WithHealth(t.health),
		transport.WithMetricsHandler(promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})),
		transport.WithRegisterer(t.registry),
	)
}

// Serve запускает воркеры и HTTP API на lis до отмены ctx.
func (t *Terminal) Serve(ctx context.Context, lis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t.poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		t.heartbeat.Run(gctx)
		return nil
	})
	if t.Config.KafkaEnabled() {
		g.Go(func() error {
			return t.runConsumer(gctx)
		})
		g.Go(func() error {
			t.relay.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return serveHTTP(gctx, lis, t.Handler(), t.logger.WithField("layer", "http"))
	})

	err := g.Wait()
	if err == nil {
		return ctx.Err()
	}
	return err
}

// runConsumer подписывает терминал на уведомления об изменениях снимков.
// Отказ Kafka не останавливает терминал: опрос продолжает работать.
func (t *Terminal) runConsumer(ctx context.Context) error {
	logger := t.logger.WithField("layer", "kafka-subscriber")
	sub, err := kafka.NewSubscriber(
		t.Config.KafkaBrokers,
		consumerGroup(t.Config.TerminalID),
		t.Config.KafkaTopic,
		kafka.PeerChangeHandler(t.Config.TerminalID, t.poller.Trigger, logger),
		kafka.WithClientID(consumerGroup(t.Config.TerminalID)),
		kafka.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Warn("kafka subscriber unavailable, relying on polling only")
		return nil
	}
	if err := sub.Run(ctx); err != nil {
		logger.WithError(err).Warn("kafka subscriber stopped with error")
	}
	return nil
}

// Close освобождает ресурсы.
func (t *Terminal) Close() {
	t.resources.closeAll(t.logger)
}

func consumerGroup(terminalID string) string {
	return "pos-terminal-" + terminalID
}

// RunTerminal собирает терминал и обслуживает его до отмены ctx.
func RunTerminal(ctx context.Context, cfg config.Config) error {
	t, err := BuildTerminal(ctx, cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	t.logger.WithFields(version.Fields()).WithFields(log.Fields{
		"store_driver":  cfg.StoreDriver,
		"poll_interval": cfg.PollInterval,
		"stale_after":   cfg.StaleAfter,
		"http_addr":     lis.Addr().String(),
	}).Info("terminal started")

	t.Start(ctx)
	return t.Serve(ctx, lis)
}
