// Command store-server раздаёт общий документ снимков терминалам по gRPC,
// когда у касс нет общего файла или прямого доступа к PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/app"
	"github.com/vladislavdragonenkov/posreserve/internal/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file with POS_* settings")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	cfg.ConfigureLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunStoreServer(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("store server exited with error")
	}
	log.Info("store server stopped")
}
