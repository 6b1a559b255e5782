package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/health"
	grpcsvc "github.com/vladislavdragonenkov/posreserve/internal/service/grpc"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/postgres"
	"github.com/vladislavdragonenkov/posreserve/internal/version"
	posreservev1 "github.com/vladislavdragonenkov/posreserve/proto/posreserve/v1"
)

// ErrRemoteDriverLoop: сервер хранилища не может сам быть клиентом удалённого хранилища.
var ErrRemoteDriverLoop = errors.New("store server cannot use the remote store driver")

// StoreServer: gRPC-сервис общего хранилища снимков.
type StoreServer struct {
	Config config.Config

	logger      *log.Entry
	registry    *prometheus.Registry
	grpcServer  *grpc.Server
	grpcMetrics *promgrpc.ServerMetrics
	grpcHealth  *grpchealth.Server
	health      *health.Handler
	pg          *postgres.Store
	relay       *changeRelay
	resources   closers
}

// BuildStoreServer собирает сервер по конфигурации.
func BuildStoreServer(ctx context.Context, cfg config.Config) (*StoreServer, error) {
	if cfg.StoreDriver == config.StoreDriverRemote {
		return nil, ErrRemoteDriverLoop
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &StoreServer{
		Config:   cfg,
		logger:   log.WithField("component", "store-server"),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.StoreDriver == config.StoreDriverPostgres {
		pg, err := openPostgres(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.pg = pg
		s.resources.add("postgres", pg.Close)
	}

	backend, err := buildBackend(cfg, s.pg, s.logger, &s.resources)
	if err != nil {
		s.Close()
		return nil, err
	}

	var serviceOpts []grpcsvc.ServiceOption
	serviceOpts = append(serviceOpts, grpcsvc.WithLogger(s.logger.WithField("layer", "grpc")))
	if s.relay = initKafkaProducer(cfg, s.registry, s.logger, &s.resources); s.relay != nil {
		serviceOpts = append(serviceOpts, grpcsvc.WithNotifier(s.relay.queue))
	}
	service := grpcsvc.NewSnapshotStoreService(backend, serviceOpts...)

	s.grpcMetrics = promgrpc.NewServerMetrics()
	s.grpcMetrics.EnableHandlingTimeHistogram()
	s.registry.MustRegister(s.grpcMetrics)
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.grpcMetrics.UnaryServerInterceptor()))
	posreservev1.RegisterSnapshotStoreServer(s.grpcServer, service)
	s.grpcMetrics.InitializeMetrics(s.grpcServer)
	reflection.Register(s.grpcServer)

	s.grpcHealth = grpchealth.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.grpcHealth.SetServingStatus(posreservev1.SnapshotStore_ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.health = health.NewHandler("pos-store-server", cfg.GRPCAddr, version.GetVersion())
	s.health.RegisterChecker("backend", health.NewSimpleChecker("backend", func(ctx context.Context) error {
		_, err := backend.ReadAll(ctx)
		if errors.Is(err, domain.ErrStoreCorrupt) {
			return nil
		}
		return err
	}))
	return s, nil
}

// MetricsHandler отдаёт /metrics и пробы.
func (s *StoreServer) MetricsHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
	r.HandleFunc("/livez", health.LivenessHandler).Methods(http.MethodGet)
	return r
}

// Serve обслуживает gRPC на grpcLis и метрики на metricsLis (может быть nil) до отмены ctx.
func (s *StoreServer) Serve(ctx context.Context, grpcLis, metricsLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.WithField("addr", grpcLis.Addr().String()).Info("grpc snapshot store listening")
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopGRPC()
		return nil
	})
	g.Go(func() error {
		s.relay.Run(gctx)
		return nil
	})
	if metricsLis != nil {
		g.Go(func() error {
			return serveHTTP(gctx, metricsLis, s.MetricsHandler(), s.logger.WithField("layer", "metrics"))
		})
	}

	err := g.Wait()
	if err == nil {
		return ctx.Err()
	}
	return err
}

func (s *StoreServer) stopGRPC() {
	s.grpcHealth.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("graceful stop timed out, forcing grpc server stop")
		s.grpcServer.Stop()
	}
}

// Close освобождает ресурсы.
func (s *StoreServer) Close() {
	s.resources.closeAll(s.logger)
}

// RunStoreServer собирает сервер хранилища и обслуживает его до отмены ctx.
func RunStoreServer(ctx context.Context, cfg config.Config) error {
	s, err := BuildStoreServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen %s: %w", cfg.MetricsAddr, err)
	}

	s.logger.WithFields(version.Fields()).WithFields(log.Fields{
		"store_driver": cfg.StoreDriver,
		"grpc_addr":    grpcLis.Addr().String(),
		"metrics_addr": metricsLis.Addr().String(),
	}).Info("store server started")
	return s.Serve(ctx, grpcLis, metricsLis)
}
