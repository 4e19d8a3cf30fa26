package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-storefront-orders/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/notify"
	"github.com/ariefcatur/go-storefront-orders/internal/orderevents"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/sweeper"
	"github.com/ariefcatur/go-storefront-orders/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := telemetry.NewLogger(cfg.ServiceName + "-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName+"-worker")
	if err != nil {
		fatal(log, "tracer setup", err)
	}

	if cfg.StoreDriver != "postgres" {
		fatal(log, "worker needs shared state", errNeedsPostgres)
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal(log, "db connect", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		fatal(log, "db migrate", err)
	}
	store := &orders.Repo{DB: db}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer for the sweeper's status changes
	prod := kafkax.NewProducer(log, cfg.KafkaBrokers, orders.TopicOrderEvents, 1024)
	prod.Start(ctx)
	events := orderevents.New(log, prod, redisx.NewStatusCache(rdb, redisx.TTLStatusCache), cfg.ServiceName+"-worker")

	gw := payments.NewStripe(cfg.StripeSecretKey, cfg.Currency, nil)
	sw := sweeper.New(log, store, gw, events, cfg.PendingTTL, cfg.SweepBatchSize)
	go sw.Run(ctx, cfg.SweepInterval)
	log.Info("sweeper started", "interval", cfg.SweepInterval, "ttl", cfg.PendingTTL, "batch", cfg.SweepBatchSize)

	// Notification consumer
	svc := &notify.Service{
		Log:    log,
		Orders: store,
		Store:  &notify.PgStore{DB: db},
		Dedup:  redisx.NewDedup(rdb, "notify", redisx.TTLDedup),
	}
	cons := kafkax.NewConsumer(log, cfg.KafkaBrokers, cfg.NotifyGroup, orders.TopicOrderEvents, cfg.NotifyWorkers)
	go func() {
		log.Info("notify consumer started", "group", cfg.NotifyGroup, "topic", orders.TopicOrderEvents, "workers", cfg.NotifyWorkers)
		if err := cons.Start(ctx, svc.HandleMessage); err != nil {
			log.Error("consumer exit", "err", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down worker")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := shutdownTracer(ctx2); err != nil {
		log.Warn("tracer shutdown", "err", err)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}

var errNeedsPostgres = errors.New("STORE_DRIVER=postgres is required")
