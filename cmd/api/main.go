package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/catalog"
	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orderevents"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/orders/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/reconcile"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/sweeper"
	"github.com/ariefcatur/go-storefront-orders/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := telemetry.NewLogger(cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		fatal(log, "tracer setup", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Store and catalog source
	store, src, closeStore := openStore(ctx, log, cfg)
	defer closeStore()

	// Kafka producer
	prod := kafkax.NewProducer(log, cfg.KafkaBrokers, orders.TopicOrderEvents, 1024)
	prod.Start(ctx)

	statusCache := redisx.NewStatusCache(rdb, redisx.TTLStatusCache)
	events := orderevents.New(log, prod, statusCache, cfg.ServiceName)
	limiter := redisx.NewLimiter(rdb, cfg.RateLimitPerMinute, time.Minute)
	gw := payments.NewStripe(cfg.StripeSecretKey, cfg.Currency, nil)

	svc := checkout.NewService(log, store, gw, events, checkout.Options{
		FreeShippingThreshold: orders.FromDecimal(cfg.FreeShippingThreshold),
		FlatRateShipping:      orders.FromDecimal(cfg.FlatRateShipping),
		Currency:              cfg.Currency,
	})
	rec, err := reconcile.New(log, store, gw, events, redisx.NewDedup(rdb, "webhook", redisx.TTLDedup), cfg.StripeWebhookSecret)
	if err != nil {
		fatal(log, "webhook reconciler", err)
	}
	authn, err := auth.New(cfg.AuthJWTSecret)
	if err != nil {
		fatal(log, "authenticator", err)
	}
	sw := sweeper.New(log, store, gw, events, cfg.PendingTTL, cfg.SweepBatchSize)

	router := httpx.NewRouter(authn.Middleware)
	(&httpx.CheckoutHandler{Log: log, Service: svc, Limiter: limiter}).Register(router)
	(&httpx.WebhookHandler{Log: log, Reconciler: rec}).Register(router)
	(&httpx.OrdersHandler{Log: log, Store: store, Cache: statusCache, Limiter: limiter}).Register(router)
	(&httpx.AdminHandler{Log: log, Store: store, Events: events, Sweeper: sw}).Register(router)
	(&httpx.CatalogHandler{Log: log, Cache: catalog.NewCache(log, rdb, src, cfg.CatalogCacheTTL), BustKey: cfg.CacheBustKey}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "catalog", src.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "listen", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
	if err := shutdownTracer(ctx2); err != nil {
		log.Warn("tracer shutdown", "err", err)
	}
}

// openStore picks the order store and the catalog source behind it.
func openStore(ctx context.Context, log *slog.Logger, cfg config.Config) (orders.Store, catalog.Source, func()) {
	var (
		store orders.Store
		src   catalog.Source
		done  = func() {}
	)
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory order store; data is lost on restart")
		ms := memstore.New()
		seedDemo(ms)
		store, src = ms, catalog.StoreSource{Store: ms}
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			fatal(log, "db connect", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			fatal(log, "db migrate", err)
		}
		store, src, done = &orders.Repo{DB: db}, catalog.DatabaseSource{DB: db}, db.Close
	}
	if cfg.CatalogSource == "spreadsheet" {
		src = catalog.SpreadsheetSource{URL: cfg.CatalogSheetURL, Client: &http.Client{Timeout: 10 * time.Second}}
	}
	return store, src, done
}

func seedDemo(ms *memstore.Store) {
	for _, v := range []orders.Variant{
		{ID: "tee-s-black", ProductID: "tee", ProductName: "Logo Tee", ProductActive: true, BasePriceCents: 2500, Size: "S", Color: "Black", SKU: "TEE-S-BLK", Stock: 20},
		{ID: "tee-m-black", ProductID: "tee", ProductName: "Logo Tee", ProductActive: true, BasePriceCents: 2500, Size: "M", Color: "Black", SKU: "TEE-M-BLK", Stock: 20},
		{ID: "mug", ProductID: "mug", ProductName: "Enamel Mug", ProductActive: true, BasePriceCents: 1400, SKU: "MUG", Stock: 50},
	} {
		ms.AddVariant(v)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
