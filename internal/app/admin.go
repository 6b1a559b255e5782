package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/storage"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/postgres"
)

// OpenSnapshotStore открывает только общее хранилище снимков, без сессии и воркеров.
// Нужен административным командам: сбросить зависшую корзину, посмотреть резервы.
func OpenSnapshotStore(ctx context.Context, cfg config.Config) (*storage.Store, func(), error) {
	// Остатки и настройки админ-командам не нужны.
	cfg.StockSource = config.SourceMemory
	cfg.SettingsSource = config.SourceMemory
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := log.WithField("component", "store-admin")
	var res closers
	release := func() { res.closeAll(logger) }

	var pg *postgres.Store
	if cfg.NeedsPostgres() {
		var err error
		if pg, err = openPostgres(ctx, cfg, logger); err != nil {
			return nil, nil, err
		}
		res.add("postgres", pg.Close)
	}

	backend, err := buildBackend(cfg, pg, logger, &res)
	if err != nil {
		release()
		return nil, nil, err
	}
	store := storage.NewStore(backend,
		storage.WithLogger(logger.WithField("layer", "store")),
		storage.WithRetryConfig(retryConfig(cfg)),
	)
	return store, release, nil
}
