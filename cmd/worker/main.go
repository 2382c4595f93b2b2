// Command worker runs the periodic maintenance jobs outside the API process.
// Deploy it with RUN_BACKGROUND_JOBS=false on the API instances.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/config"
	"github.com/swiftline/escrow-api/internal/domain/escrow"
	"github.com/swiftline/escrow-api/internal/domain/notification"
	"github.com/swiftline/escrow-api/internal/domain/otp"
	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/logger"
	"github.com/swiftline/escrow-api/internal/pkg/worker"
)

const (
	notificationSweep   = 24 * time.Hour
	readNotificationTTL = 90 * 24 * time.Hour
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "swiftline-worker",
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}

	log.Info().Msg("Starting worker")

	db, err := database.NewPostgres(cfg.DatabaseURL, database.DefaultPoolConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	// expiry notices reach users connected to API instances over Redis
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, expiry notices will only be stored")
			rdb = nil
		} else {
			defer database.CloseRedis(rdb)
		}
	}

	pool := worker.NewPool(cfg.NotificationWorkers, cfg.NotificationQueue)
	hub := notification.NewHub(rdb)
	go hub.Run()

	notificationRepo := notification.NewRepository(db)
	notificationService := notification.NewService(notificationRepo, hub, pool)

	fees, err := escrow.NewFeePolicy(cfg.PlatformFeePercent)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid platform fee")
	}
	log.Info().Str("platform_fee_percent", fees.Percent()).Msg("Fee policy loaded")

	// Expiry touches no money, so the gateway and delivery codes stay unset
	escrowService := escrow.NewService(database.NewTxRunner(db), escrow.NewRepository(),
		wallet.NewLedger(wallet.NewRepository()), nil, nil, notificationService, fees, escrow.Config{
			TransactionTTL: cfg.TransactionTTL,
			MaxAmount:      cfg.MaxTransactionAmount,
			Currency:       cfg.DefaultCurrency,
		})

	otpRepo := otp.NewRepository(db)
	otpCache := otp.NewCache(rdb, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	run := func(name string, start func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("job", name).Msg("job started")
			start(ctx)
			log.Info().Str("job", name).Msg("job stopped")
		}()
	}

	run("escrow-expiry", func(ctx context.Context) {
		escrow.NewExpirySweeper(escrowService).Start(ctx, cfg.ExpirySweepInterval)
	})
	run("otp-cleanup", func(ctx context.Context) {
		otp.NewCleanupJob(otpRepo, otpCache, 0).Start(ctx, cfg.OTPSweepInterval)
	})
	run("notification-cleanup", func(ctx context.Context) {
		notification.NewCleanupJob(notificationRepo, readNotificationTTL, 0).Start(ctx, notificationSweep)
	})

	wg.Wait()

	pool.Stop()
	hub.Shutdown()
	log.Info().Msg("worker stopped")
}
