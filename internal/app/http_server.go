package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// serveHTTP обслуживает lis до отмены ctx, затем аккуратно останавливает сервер.
func serveHTTP(ctx context.Context, lis net.Listener, handler http.Handler, logger *log.Entry) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("http server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownHTTP(srv, logger)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
