/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, environment, flags)
  2. Open the SQL store (SQLite or Postgres)
  3. Connect optional infrastructure: Redis, Kafka, SMTP
  4. Build components: registry, tracker, accrual, settlement, reporting
  5. Configure HTTP router and start the settlement scheduler
  6. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  YAML config file (default: commission.yaml, optional)
  -port    HTTP server port (overrides config)
  -driver  sqlite3 or postgres (overrides config)
  -db      Database DSN or SQLite path (overrides config)
           Use ":memory:" for an in-memory SQLite database
  -dev     Dev mode: stub payouts, scenario routes, no admin auth required

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the settlement scheduler (in-progress batch stops between affiliates)
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close the event publisher and database connection

EXAMPLES:
  # Local development
  ./server -dev -db=":memory:"

  # Postgres
  ./server -driver=postgres -db="postgres://commission@localhost/commission?sslmode=disable"

SEE ALSO:
  - config/config.go: Every setting and its environment variable
  - api/server.go: Router configuration
  - api/scheduler.go: Monthly settlement scheduler
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/commission-engine/accrual"
	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/payout"
	"github.com/warp/commission-engine/promo"
	"github.com/warp/commission-engine/reporting"
	"github.com/warp/commission-engine/settlement"
	"github.com/warp/commission-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "commission-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "commission.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	driver := flag.String("driver", "", "Database driver (sqlite3 or postgres)")
	dsn := flag.String("db", "", "Database DSN or SQLite path")
	dev := flag.Bool("dev", false, "Enable dev mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *dev {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	attributions, err := newAttributionStore(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	publisher, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	currency := commission.NormalizeCurrency(cfg.Commission.Currency)

	// Components
	links := promo.NewRegistry(store, store, log)
	affiliates := promo.NewAffiliates(store, log)
	affiliates.AutoApprove = cfg.Commission.AutoApprove

	tracker := attribution.NewTracker(attributions, links, store, store, log).
		WithTTL(cfg.Commission.AttributionTTL)

	engine := accrual.NewEngine(
		commission.NewLedger(store, currency), links, store, attributions, publisher,
		accrual.Config{DefaultRate: cfg.Commission.DefaultRate}, log)

	processor := settlement.NewProcessor(store, newPayouts(cfg, log), settlement.Config{
		Currency:  currency,
		MinPayout: cfg.Settlement.MinPayout,
	}, log).
		WithNotifier(newNotifier(cfg.SMTP, log)).
		WithPublisher(publisher)

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Affiliates:  affiliates,
		Links:       links,
		Tracker:     tracker,
		Throttle:    attribution.NewThrottle(cfg.Tracking.RatePerMinute, cfg.Tracking.Burst),
		Accrual:     engine,
		Settlements: processor,
		Reports:     reporting.NewReporter(store, currency),
		Currency:    currency,
		Log:         log,
	})

	// Create router
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
		DevMode:        cfg.DevMode,
		TrustProxy:     cfg.Server.TrustProxy,
	})

	scheduler := api.NewSettlementScheduler(processor, log)
	scheduler.RunDay = cfg.Settlement.RunDay
	scheduler.CheckInterval = cfg.Settlement.CheckInterval
	scheduler.StaleAfter = cfg.Settlement.StaleProcessing
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"port", cfg.Server.Port,
			"driver", cfg.Database.Driver,
			"currency", string(currency),
			"dev_mode", cfg.DevMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newAttributionStore uses Redis when configured so attributions survive
// restarts and are shared between instances.
func newAttributionStore(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (attribution.Store, error) {
	if cfg.Addr == "" {
		log.Warn("redis not configured, attributions are kept in memory")
		return attribution.NewMemoryStore(), nil
	}
	client, err := attribution.ConnectRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return attribution.NewRedisStore(client), nil
}

func newPublisher(cfg *config.Config, log *slog.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka not configured, events are not published")
		return events.Nop{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return p, nil
}

func newNotifier(cfg config.SMTPConfig, log *slog.Logger) notify.Notifier {
	if cfg.Host == "" {
		return notify.Nop{}
	}
	return notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}, log)
}

// newPayouts routes PayPal and provider payouts to the payout API with
// retries, and bank transfers to the manual queue. Without a payout API in
// dev mode every payout goes to the stub.
func newPayouts(cfg *config.Config, log *slog.Logger) payout.Provider {
	if cfg.Payout.BaseURL == "" {
		log.Warn("payout API not configured, using stub payouts")
		return &payout.Stub{}
	}
	remote := payout.WithRetry(
		payout.NewHTTPProvider(cfg.Payout.BaseURL, cfg.Payout.APIKey, cfg.Settlement.PayoutTimeout),
		payout.RetryConfig{
			MaxAttempts:    cfg.Settlement.MaxAttempts,
			AttemptTimeout: cfg.Settlement.PayoutTimeout,
		})
	return payout.NewRouter().
		Register(commission.PayoutPayPal, remote).
		Register(commission.PayoutProvider, remote).
		Register(commission.PayoutBankTransfer, payout.NewManualProvider(log))
}
