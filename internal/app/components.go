package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/posreserve/internal/service/inventory"
	"github.com/vladislavdragonenkov/posreserve/internal/service/outbox"
	"github.com/vladislavdragonenkov/posreserve/internal/service/settings"
	"github.com/vladislavdragonenkov/posreserve/internal/storage"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/file"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/memory"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/postgres"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/remote"
)

// closer освобождает ресурс при остановке процесса.
type closer struct {
	name string
	fn   func() error
}

type closers []closer

func (c *closers) add(name string, fn func() error) {
	*c = append(*c, closer{name: name, fn: fn})
}

// closeAll закрывает ресурсы в обратном порядке.
func (c closers) closeAll(logger *log.Entry) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			logger.WithField("resource", c[i].name).WithError(err).Warn("failed to close resource")
		}
	}
}

// openPostgres открывает подключение и, если нужно, применяет миграции.
func openPostgres(ctx context.Context, cfg config.Config, logger *log.Entry) (*postgres.Store, error) {
	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := pg.MigrateUp(ctx, 0); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
		return pg, nil
	}
	if err := pg.CheckSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("%w; run cmd/migrate or enable POS_POSTGRES_AUTO_MIGRATE", err)
	}
	return pg, nil
}

// buildBackend выбирает физическое хранилище документа снимков.
func buildBackend(cfg config.Config, pg *postgres.Store, logger *log.Entry, res *closers) (domain.SnapshotBackend, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverFile:
		logger.WithField("path", cfg.StateFile).Info("using file snapshot store")
		return file.NewSnapshotBackend(cfg.StateFile, logger.WithField("layer", "file-store")), nil
	case config.StoreDriverMemory:
		logger.Warn("using in-memory snapshot store: reservations are not shared between processes")
		return memory.NewSnapshotBackend(), nil
	case config.StoreDriverPostgres:
		if pg == nil {
			return nil, config.ErrPostgresDSNMissing
		}
		logger.Info("using postgres snapshot store")
		return postgres.NewSnapshotRepository(pg), nil
	case config.StoreDriverRemote:
		backend, err := remote.Dial(cfg.StoreAddr,
			remote.WithCallTimeout(cfg.StoreCallTimeout),
			remote.WithLogger(logger.WithField("layer", "remote-store")),
		)
		if err != nil {
			return nil, err
		}
		res.add("remote-store", backend.Close)
		logger.WithField("addr", cfg.StoreAddr).Info("using remote snapshot store")
		return backend, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreDriver, cfg.StoreDriver)
	}
}

// buildStock выбирает базу остатков.
func buildStock(cfg config.Config, pg *postgres.Store) (domain.StockProvider, error) {
	switch cfg.StockSource {
	case config.SourcePostgres:
		if pg == nil {
			return nil, config.ErrPostgresDSNMissing
		}
		return postgres.NewStockRepository(pg), nil
	case config.SourceMemory:
		if cfg.CatalogFile == "" {
			return inventory.NewMemoryStock(nil), nil
		}
		stock, err := inventory.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		return stock, nil
	default:
		return nil, fmt.Errorf("%w: stock %q", config.ErrUnknownSource, cfg.StockSource)
	}
}

// buildSettings выбирает источник настройки "allow negative stock".
func buildSettings(cfg config.Config, pg *postgres.Store) (domain.SettingsProvider, error) {
	switch cfg.SettingsSource {
	case config.SourceMemory:
		return settings.NewStatic(cfg.AllowNegativeStock), nil
	case config.SourceFile:
		return settings.NewFile(cfg.SettingsFile), nil
	case config.SourcePostgres:
		if pg == nil {
			return nil, config.ErrPostgresDSNMissing
		}
		return postgres.NewSettingsRepository(pg), nil
	default:
		return nil, fmt.Errorf("%w: settings %q", config.ErrUnknownSource, cfg.SettingsSource)
	}
}

// retryConfig переводит настройки в политику повторов хранилища.
func retryConfig(cfg config.Config) storage.RetryConfig {
	rc := storage.DefaultRetryConfig()
	if cfg.StoreMaxAttempts > 0 {
		rc.MaxAttempts = cfg.StoreMaxAttempts
	}
	if cfg.StoreRetryDelay > 0 {
		rc.InitialDelay = cfg.StoreRetryDelay
		rc.MaxDelay = cfg.StoreRetryDelay
	}
	return rc
}

// changeRelay: очередь уведомлений об изменениях и воркер, публикующий её в Kafka.
type changeRelay struct {
	queue  *outbox.Queue
	worker *outbox.Worker
}

// Run публикует очередь до отмены ctx; nil-relay ничего не делает.
func (r *changeRelay) Run(ctx context.Context) {
	if r == nil {
		return
	}
	r.worker.Run(ctx)
}

// initKafkaProducer создаёт producer и outbox-воркер, если заданы брокеры. Ошибка не фатальна:
// без уведомлений терминалы продолжают опрашивать хранилище.
func initKafkaProducer(cfg config.Config, registerer prometheus.Registerer, logger *log.Entry, res *closers) *changeRelay {
	if !cfg.KafkaEnabled() {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, kafka.WithLogger(logger.WithField("layer", "kafka-producer")))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without change notifications")
		return nil
	}
	res.add("kafka-producer", producer.Close)
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")

	queue := outbox.NewQueue(0)
	worker := outbox.NewWorker(queue, kafka.NewSnapshotNotifier(producer, cfg.KafkaTopic),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithRegisterer(registerer),
	)
	return &changeRelay{queue: queue, worker: worker}
}
