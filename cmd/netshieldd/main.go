// Command netshieldd runs the appliance's alarm arbitration and lifecycle
// engine: the creation queue, the pending sweeper, the event bus consumers,
// and the query API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"netshield/internal/alarms/application"
	alarms "netshield/internal/alarms/domain"
	"netshield/internal/alarms/infrastructure/local"
	"netshield/internal/alarms/infrastructure/memory"
	"netshield/internal/alarms/infrastructure/postgres"
	"netshield/internal/alarms/interfaces"
	alarmhttp "netshield/internal/alarms/interfaces/http"
	"netshield/internal/alarms/notify"
	"netshield/internal/auth"
	"netshield/internal/config"
	"netshield/internal/eventing"
	"netshield/internal/logger"
	"netshield/internal/observability/metrics"
	"netshield/internal/reports"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalw("store init failed", "driver", cfg.Store.Driver, "err", err)
	}
	defer cleanup()

	metrics.Register()

	features := config.NewFeatureSet(cfg.Features)
	bus := eventing.NewBus(log)
	defer bus.Close()

	exceptions := local.NewExceptions()
	policies := local.NewPolicies()

	service, err := application.NewService(application.Deps{
		Store:      store,
		Exceptions: exceptions,
		Policies:   policies,
		Trust:      local.Trust{},
		Arbitrator: local.Arbitrator{},
		Devices:    local.Devices{},
		Unblocks:   local.Unblocks{},
		Features:   features,
		Publisher:  bus,
		Notifier:   notify.NewWebhook(cfg.WebhookURL, log),
		Logger:     log,
		Config:     cfg,
	})
	if err != nil {
		log.Fatalw("service init failed", "err", err)
	}

	queue := application.NewCreationQueue(service, log)
	queue.Start(ctx)
	defer queue.Stop()

	consumer, err := interfaces.NewBusConsumer(service, queue, features, log)
	if err != nil {
		log.Fatalw("consumer init failed", "err", err)
	}
	consumer.Register(bus)

	sweeper := application.NewSweeper(service, log)
	go sweeper.Start(ctx)

	server, err := buildServer(cfg, service, bus, log)
	if err != nil {
		log.Fatalw("http init failed", "err", err)
	}
	go func() {
		log.Infow("http listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown failed", "err", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (alarms.Store, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.NewStore(), func() {}, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.NewStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, errors.New("unknown store driver " + cfg.Store.Driver)
	}
}

func buildServer(cfg config.Config, service *application.Service, bus *eventing.Bus, log *zap.SugaredLogger) (*http.Server, error) {
	alarmHandler, err := alarmhttp.NewHandler(service, log)
	if err != nil {
		return nil, err
	}
	reportHandler, err := reports.NewHandler(service, log)
	if err != nil {
		return nil, err
	}
	ingestHandler, err := alarmhttp.NewIngestHandler(bus)
	if err != nil {
		return nil, err
	}
	ingestAuth := auth.NewIngestAuthMiddleware(
		[]byte(cfg.HTTP.IngestSecret),
		time.Duration(cfg.HTTP.IngestSkewSecond)*time.Second,
	)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/alarms", alarmHandler)
	mux.Handle("/api/v1/alarms/", alarmHandler)
	mux.Handle("/api/v1/reports/", reportHandler)
	mux.Handle("/api/v1/ingest/alarms", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	middleware := auth.NewMiddleware([]byte(cfg.HTTP.JWTSecret), auth.DefaultPolicy())
	return &http.Server{Addr: cfg.HTTP.Addr, Handler: middleware.Wrap(mux)}, nil
}
