// Deposit session verification and settlement engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/shsh-deposits/internal/api"
	"github.com/ashureev/shsh-deposits/internal/config"
	"github.com/ashureev/shsh-deposits/internal/deposit"
	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/fraud"
	"github.com/ashureev/shsh-deposits/internal/health"
	"github.com/ashureev/shsh-deposits/internal/identity"
	"github.com/ashureev/shsh-deposits/internal/keys"
	"github.com/ashureev/shsh-deposits/internal/metrics"
	"github.com/ashureev/shsh-deposits/internal/middleware"
	"github.com/ashureev/shsh-deposits/internal/notify"
	"github.com/ashureev/shsh-deposits/internal/observer"
	"github.com/ashureev/shsh-deposits/internal/scheduler"
	"github.com/ashureev/shsh-deposits/internal/settlement"
	"github.com/ashureev/shsh-deposits/internal/store"
	"github.com/ashureev/shsh-deposits/internal/stream"
	"github.com/ashureev/shsh-deposits/internal/sweep"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "db_driver", cfg.DBDriver, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	params, err := keys.NetworkParams(cfg.BTCNetwork)
	if err != nil {
		slog.Error("Invalid bitcoin network", "error", err)
		os.Exit(1)
	}
	deriver, err := keys.NewDeriver(cfg.RootSeedHex, params)
	if err != nil {
		slog.Error("Failed to initialize key deriver", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := stream.NewHub(logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger), hub}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			slog.Error("Failed to connect to message broker", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		slog.Info("Deposit events publishing enabled", "exchange", notify.DepositExchange)
	}

	// Chain observers.
	clientCfg := observer.ClientConfig{Timeout: cfg.Indexer.Timeout, RPS: cfg.Indexer.RPS}
	blockCypher := observer.NewBlockCypher(cfg.Indexer.BlockCypherBaseURL, cfg.Indexer.BlockCypherToken, clientCfg)
	etherscan := observer.NewEtherscan(cfg.Indexer.EtherscanBaseURL, cfg.Indexer.EtherscanAPIKey, clientCfg)
	observers := []observer.Observer{
		observer.NewBitcoinObserver(blockCypher, cfg.Policy.BTCTolerance, logger),
		observer.NewTokenObserver(etherscan, cfg.Chain.USDTContract, cfg.Policy.USDTToleranceFraction, cfg.Policy.USDTRecencyWindow, logger),
	}

	policy := observer.DefaultConfirmationPolicy()
	policy.TokenLargeFloor = cfg.Policy.USDTLargeDeposit

	guard := fraud.NewGuard(repo, fraud.Config{
		Tolerances: map[domain.Chain]observer.Tolerance{
			domain.ChainBitcoin: observer.AbsoluteTolerance(cfg.Policy.BTCTolerance),
			domain.ChainUSDT:    observer.FractionalTolerance(cfg.Policy.USDTToleranceFraction),
		},
		VelocityLimit:  cfg.Policy.VelocityLimit,
		VelocityWindow: cfg.Policy.VelocityWindow,
	})

	sweepers, closeSweepers := buildSweepers(ctx, cfg, deriver, blockCypher)
	defer closeSweepers()

	jobs := scheduler.NewJobs(scheduler.Deps{
		Repo:      repo,
		Observers: observers,
		Policy:    policy,
		Guard:     guard,
		Settler:   settlement.NewProcessor(repo, notify.Bounded{Notifier: notifiers, Timeout: cfg.NotifyTimeout}, logger),
		Sweeper:   sweep.NewAgent(logger, cfg.SweepTimeout, sweepers...),
		Notifier:  notifiers,
		Metrics:   m,
		Logger:    logger,
	}, scheduler.Config{
		SentClaimTimeout:  cfg.SentClaimTimeout,
		NotifyTimeout:     cfg.NotifyTimeout,
		InterSessionDelay: 200 * time.Millisecond,
	})
	sched := scheduler.NewScheduler(jobs, logger, scheduler.Schedules{
		Pipeline: cfg.PipelineSchedule,
		Expiry:   cfg.ExpirySchedule,
	})

	// Initialize handlers.
	depositService := deposit.NewService(repo, deriver, cfg.SessionTTL)
	depositHandler := api.NewDepositHandler(depositService)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	wsHandler := stream.NewWebSocketHandler(depositService, hub, cfg.AllowedOrigins, cfg.IsDevelopment())
	limiter := middleware.NewRateLimiter(cfg.APIRPS, cfg.APIBurst)
	limiter.StartCleanup(ctx, 10*time.Minute)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(m.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// User routes trust the gateway identity header.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		r.Use(limiter.Handler)
		depositHandler.RegisterRoutes(r)
		r.Get("/ws/deposits/{token}", wsHandler.ServeHTTP)
	})

	// Create server.
	// Note: websocket streams require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// gRPC health.
	healthServer := health.NewServer(repo, logger)
	healthServer.Watch(ctx, 15*time.Second)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err, "port", cfg.GRPCPort)
		os.Exit(1)
	}
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Start scheduler.
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	slog.Info("Scheduler started", "pipeline", cfg.PipelineSchedule, "expiry", cfg.ExpirySchedule)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	healthServer.Stop()

	select {
	case <-sched.Stop().Done():
		slog.Info("Scheduler stopped")
	case <-shutdownCtx.Done():
		slog.Warn("Scheduler jobs still running at shutdown deadline")
	}

	slog.Info("Server stopped successfully")
}

func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.DBDriver == "postgres" {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, err
	}
	return store.NewSQLite(cfg.DBPath)
}

// buildSweepers configures a sweeper per chain whose vault is set. Chains
// without a vault keep credited funds on their receiving addresses.
func buildSweepers(ctx context.Context, cfg *config.Config, deriver *keys.Deriver, blockCypher *observer.BlockCypher) ([]sweep.Sweeper, func()) {
	var sweepers []sweep.Sweeper
	closer := func() {}

	if cfg.BTCVaultAddress != "" {
		vault, err := keys.DecodeBitcoinAddress(cfg.BTCVaultAddress, deriver.Params())
		if err != nil {
			slog.Error("Invalid BTC vault address", "error", err)
			os.Exit(1)
		}
		sweepers = append(sweepers, sweep.NewBitcoinSweeper(blockCypher, deriver, vault, deriver.Params()))
	} else {
		slog.Warn("BTC_VAULT_ADDRESS not set; bitcoin sweeps disabled")
	}

	if cfg.ETHVaultAddress != "" && cfg.Chain.ETHRPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.ETHRPCURL)
		if err != nil {
			slog.Error("Failed to connect to Ethereum RPC", "error", err)
			os.Exit(1)
		}
		closer = client.Close
		tokenSweeper, err := sweep.NewTokenSweeper(client, deriver,
			common.HexToAddress(cfg.Chain.USDTContract),
			common.HexToAddress(cfg.ETHVaultAddress),
			big.NewInt(cfg.Chain.ETHChainID),
		)
		if err != nil {
			slog.Error("Failed to initialize token sweeper", "error", err)
			os.Exit(1)
		}
		sweepers = append(sweepers, tokenSweeper)
	} else {
		slog.Warn("ETH_VAULT_ADDRESS or ETH_RPC_URL not set; token sweeps disabled")
	}

	return sweepers, closer
}
