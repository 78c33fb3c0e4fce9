package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/multisigledger/internal/api"
	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/cache"
	"github.com/terminal-bench/multisigledger/internal/config"
	"github.com/terminal-bench/multisigledger/internal/dispatch"
	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/internal/ledger/memory"
	"github.com/terminal-bench/multisigledger/internal/ledger/sqlstore"
	"github.com/terminal-bench/multisigledger/internal/metrics"
	"github.com/terminal-bench/multisigledger/pkg/circuit"
	"github.com/terminal-bench/multisigledger/pkg/logging"
	"github.com/terminal-bench/multisigledger/pkg/messaging"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledger service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	collector := metrics.NewCollector("multisig")
	engine := approval.NewEngine(approval.Config{
		InitialBalance: cfg.InitialBalance,
		Quorum:         cfg.Quorum(),
	}, logger)

	hub := api.NewHub(logger, collector.StreamClients)
	sinks := []dispatch.EventSink{hub}

	var walletCache *cache.WalletCache
	if cfg.RedisAddr != "" {
		walletCache = cache.NewWalletCache(cache.NewClient(cfg.RedisAddr), backend, cfg.CacheTTL, logger)
		if err := walletCache.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, serving wallets from the ledger", zap.Error(err))
		}
		sinks = append(sinks, walletCache)
		defer walletCache.Close()
	}

	var natsClient *messaging.Client
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "multisig-ledger",
			ReconnectWait:  time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		defer natsClient.Close()

		breaker := circuit.NewBreaker(circuit.Config{
			Name:     "nats",
			Cooldown: 10 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				collector.BreakerState(name, int(to))
				logger.Info("breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		sinks = append(sinks, messaging.NewPublisher(natsClient, breaker, cfg.NATSEventPrefix, logger))
	}

	dispatcher := dispatch.New(backend, engine, logger,
		dispatch.WithSinks(sinks...),
		dispatch.WithRecorder(collector),
	)

	if natsClient != nil {
		handler := api.SubmitHandler(dispatcher, natsClient, 5*time.Second, logger)
		if err := natsClient.QueueSubscribe(cfg.NATSSubmitSubject, "ledger", handler); err != nil {
			return err
		}
	}

	deps := api.Deps{
		Submitter: dispatcher,
		Backend:   backend,
		Quorum:    engine.Quorum(),
		Hub:       hub,
		Admin:     api.NewAdminAuth(cfg.AdminJWTSecret),
		Metrics:   collector,
		Logger:    logger,
	}
	if walletCache != nil {
		deps.Wallets = walletCache
	}
	if cfg.Environment != logging.EnvironmentDevelopment && cfg.Environment != logging.EnvironmentLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(deps)
	srv := server.HTTPServer(cfg.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger service listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("quorum", string(engine.Quorum())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if natsClient != nil {
			if err := natsClient.Drain(); err != nil {
				logger.Warn("nats drain failed", zap.Error(err))
			}
		}
		server.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config) (ledger.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite, config.DriverPostgres:
		store, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
