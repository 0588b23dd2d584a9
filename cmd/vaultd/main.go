package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/collateral"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/config"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/database"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/oracle"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/redemption"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/rules"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/server"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/stats"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Event recorder; Kafka streaming is optional.
	var writer events.Writer
	if len(cfg.Kafka.Brokers) > 0 {
		writer = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	recorder := events.NewRecorder(zapLogger, cfg.Vault.DeploymentID, writer)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	recorder.StartRelay(relayCtx, db, cfg.Kafka.RelayInterval)

	registry := collateral.NewRegistry(zapLogger, db, recorder)
	ctx := context.Background()
	if err := registry.EnsureSettlementAsset(ctx, cfg.Vault.SettlementAsset, cfg.Vault.SettlementSymbol, cfg.Vault.SettlementDecimal); err != nil {
		zapLogger.Fatal("Failed to register settlement asset", zap.Error(err))
	}

	reporter := oracle.NewReporter(zapLogger, db, recorder, cfg.Vault.MaxDeviationBps, cfg.Vault.MinUpdateInterval)

	// Rule chain: pause switch, minimum deposit, withdrawal redirect. The
	// redirect rule is bound to the queue after construction.
	minDeposit, err := decimal.NewFromString(cfg.Vault.MinDeposit)
	if err != nil {
		zapLogger.Fatal("Failed to parse minimum deposit", zap.Error(err))
	}
	pauseRule := &rules.PauseRule{}
	redirectRule := rules.NewWithdrawalRedirectRule()
	engine := rules.NewEngine(zapLogger, pauseRule, &rules.MinDepositRule{Min: minDeposit}, redirectRule)

	ledgerSvc, err := ledger.NewService(zapLogger, db, registry, reporter, engine, recorder)
	if err != nil {
		zapLogger.Fatal("Failed to create ledger service", zap.Error(err))
	}

	domain := redemption.Domain{
		ChainID:      cfg.Vault.ChainID,
		VaultAddress: common.HexToAddress(cfg.Vault.VaultAddress),
	}
	queue := redemption.NewService(zapLogger, db, ledgerSvc, recorder, redemption.SecpVerifier{}, domain, cfg.Vault.DeploymentID, cfg.Vault.SettleMaxRetries)
	redirectRule.Bind(queue)

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	statsSvc := stats.NewService(zapLogger, db, registry, ledgerSvc, reporter, cache, cfg.Redis.TTL, cfg.Vault.DeploymentID)

	apiServer := server.NewServer(zapLogger, reporter, registry, ledgerSvc, queue, statsSvc, cfg.Operators)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("vault API listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}
