package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tripledger/cmd/server/config"
	"tripledger/internal/adapters/grpc"
	"tripledger/internal/audit"
	"tripledger/internal/booking"
	"tripledger/internal/ledger"
	"tripledger/internal/observability"
	"tripledger/internal/realtime"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	ledgerCfg, err := config.LoadLedger()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	baseStore, cleanupStore, err := buildStore(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer cleanupStore()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()

	var journal ledger.Publisher
	if path := config.LoadAudit().JournalPath; path != "" {
		fj, err := audit.OpenFileJournal(path)
		if err != nil {
			return err
		}
		defer fj.Close()
		journal = fj
	}

	logger := ledger.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	publisher := audit.NewFanoutPublisher(journal, hub)
	components := booking.NewComponents(
		observability.NewInstrumentedStore(baseStore, metrics),
		ledgerOptions(ledgerCfg, logger, publisher)...,
	)
	service := booking.BuildService(components, nil, nil, nil, logger)

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	limiter := newGrpcRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
	)
	grpc.RegisterLedgerServiceServer(server, grpc.NewLedgerServer(components.Payments, components.Steps, components.Query, service))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if grpcCfg.EnableReflection {
		reflection.Register(server)
		log.Println("gRPC reflection enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics, observability.Gauge{
		Name:  "audit_ws_clients",
		Value: func() int64 { return int64(hub.Clients()) },
	}))
	mux.Handle("/audit/ws", hub)
	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("ledger gRPC server listening on %s", grpcCfg.Addr)
		return server.Serve(lis)
	})
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, grpcpkg.ErrServerStopped) {
		return nil
	}
	return err
}
