package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/swiftline/escrow-api/internal/config"
	"github.com/swiftline/escrow-api/internal/domain/callback"
	"github.com/swiftline/escrow-api/internal/domain/dispute"
	"github.com/swiftline/escrow-api/internal/domain/escrow"
	"github.com/swiftline/escrow-api/internal/domain/notification"
	"github.com/swiftline/escrow-api/internal/domain/otp"
	"github.com/swiftline/escrow-api/internal/domain/wallet"
	"github.com/swiftline/escrow-api/internal/middleware"
	"github.com/swiftline/escrow-api/internal/pkg/database"
	"github.com/swiftline/escrow-api/internal/pkg/imaging"
	"github.com/swiftline/escrow-api/internal/pkg/jwt"
	"github.com/swiftline/escrow-api/internal/pkg/logger"
	"github.com/swiftline/escrow-api/internal/pkg/metrics"
	"github.com/swiftline/escrow-api/internal/pkg/mobilemoney"
	pkgresponse "github.com/swiftline/escrow-api/internal/pkg/response"
	"github.com/swiftline/escrow-api/internal/pkg/sms"
	"github.com/swiftline/escrow-api/internal/pkg/storage"
	"github.com/swiftline/escrow-api/internal/pkg/worker"
)

const (
	apiRequestTimeout   = 30 * time.Second
	simulatorDelay      = 3 * time.Second
	notificationSweep   = 24 * time.Hour
	readNotificationTTL = 90 * 24 * time.Hour
)

// gateway is what the escrow and wallet services need from the mobile money provider
type gateway interface {
	escrow.DebitGateway
	wallet.PayoutGateway
}

// handlers groups everything the router mounts
type handlers struct {
	escrow       *escrow.Handler
	wallet       *wallet.Handler
	dispute      *dispute.Handler
	otp          *otp.Handler
	notification *notification.Handler
	ws           *notification.WSHandler
	callback     *callback.Handler
	uploads      http.Handler // local evidence files, development only
}

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "swiftline-escrow",
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}
	if cfg.MetricsEnabled {
		metrics.Init()
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting Swiftline escrow API")

	db, err := database.NewPostgres(cfg.DatabaseURL, database.DefaultPoolConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if cfg.RunMigrations {
		if err := database.Migrate(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// Redis is optional: OTP state falls back to PostgreSQL and pushes stay on this instance
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, running without it")
			redisClient = nil
		} else {
			defer database.CloseRedis(redisClient)
		}
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	runner := database.NewTxRunner(db)

	// ---------- Notifications ----------
	pool := worker.NewPool(cfg.NotificationWorkers, cfg.NotificationQueue)
	hub := notification.NewHub(redisClient)
	go hub.Run()

	notificationRepo := notification.NewRepository(db)
	notificationService := notification.NewService(notificationRepo, hub, pool)

	// ---------- OTP ----------
	var sender otp.Sender = sms.LogSender{}
	if cfg.SMSEnabled {
		sender = sms.NewClient(sms.Config{
			BaseURL:  cfg.SMSBaseURL,
			APIKey:   cfg.SMSAPIKey,
			Username: cfg.SMSUsername,
			SenderID: cfg.SMSSenderID,
		})
	} else {
		log.Warn().Msg("SMS disabled, codes are written to the log")
	}

	otpRepo := otp.NewRepository(db)
	otpCache := otp.NewCache(redisClient, db)
	otpService := otp.NewService(otpCache, otpRepo, sender, otp.Config{
		CodeTTL:         cfg.OTPTTL,
		MaxAttempts:     cfg.OTPMaxAttempts,
		RateLimitWindow: cfg.OTPRateLimitWindow,
		RateLimitMax:    cfg.OTPRateLimitMax,
		Pepper:          cfg.OTPPepper,
	})

	// ---------- Money ----------
	var (
		gw        gateway
		simulator *mobilemoney.Simulator
	)
	if cfg.GatewayConfigured() {
		gw = mobilemoney.NewClient(mobilemoney.Config{
			BaseURL:        cfg.GatewayBaseURL,
			ConsumerKey:    cfg.GatewayConsumerKey,
			ConsumerSecret: cfg.GatewayConsumerSecret,
			ShortCode:      cfg.GatewayShortCode,
			Passkey:        cfg.GatewayPasskey,
			CallbackURL:    cfg.GatewayCallbackURL,
			CallbackSecret: cfg.GatewayCallbackSecret,
			Timeout:        cfg.GatewayTimeout,
		})
	} else {
		log.Warn().Msg("Mobile money gateway not configured, using the simulator")
		simulator = mobilemoney.NewSimulator(simulatorDelay)
		gw = simulator
	}

	walletRepo := wallet.NewRepository()
	ledger := wallet.NewLedger(walletRepo)
	walletService := wallet.NewService(runner, walletRepo, walletRepo, walletRepo, ledger, gw, notificationService)

	fees, err := escrow.NewFeePolicy(cfg.PlatformFeePercent)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid platform fee")
	}
	log.Info().Str("platform_fee_percent", fees.Percent()).Msg("Fee policy loaded")
	escrowService := escrow.NewService(runner, escrow.NewRepository(), ledger, gw, otpService, notificationService, fees, escrow.Config{
		TransactionTTL: cfg.TransactionTTL,
		MaxAmount:      cfg.MaxTransactionAmount,
		Currency:       cfg.DefaultCurrency,
	})

	if simulator != nil {
		simulator.SetHandlers(
			func(ctx context.Context, res mobilemoney.DebitResult) error {
				return escrowService.HandleDebitResult(ctx, callback.DebitFromGateway(res))
			},
			func(ctx context.Context, res mobilemoney.CreditResult) error {
				return walletService.HandleCreditResult(ctx, callback.CreditFromGateway(res))
			},
		)
	}

	// ---------- Disputes ----------
	store, uploads, err := newStorage(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage")
	}
	disputeService := dispute.NewService(runner, dispute.NewRepository(), escrowService, store,
		imaging.NewProcessor(imaging.DefaultConfig()), notificationService, dispute.Config{Window: cfg.DisputeWindow})

	// ---------- Background jobs ----------
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	if cfg.RunBackgroundJobs {
		go escrow.NewExpirySweeper(escrowService).Start(jobsCtx, cfg.ExpirySweepInterval)
		go otp.NewCleanupJob(otpRepo, otpCache, 0).Start(jobsCtx, cfg.OTPSweepInterval)
		go notification.NewCleanupJob(notificationRepo, readNotificationTTL, 0).Start(jobsCtx, notificationSweep)
	}

	// ---------- Router ----------
	router := newRouter(cfg, middleware.Auth(jwtService), handlers{
		escrow:       escrow.NewHandler(escrowService),
		wallet:       wallet.NewHandler(walletService),
		dispute:      dispute.NewHandler(disputeService),
		otp:          otp.NewHandler(otpService),
		notification: notification.NewHandler(notificationService),
		ws:           notification.NewWSHandler(hub, cfg.AllowedOrigins),
		callback:     callback.NewHandler(escrowService, walletService, cfg.GatewayCallbackSecret),
		uploads:      uploads,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stopJobs()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// drain queued notifications before the hub and database go away
	pool.Stop()
	hub.Shutdown()

	log.Info().Msg("Server exited properly")
}

func newRouter(cfg *config.Config, authMiddleware func(http.Handler) http.Handler, h handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	if cfg.MetricsEnabled {
		r.Use(middleware.HTTPMetrics)
	}

	// WebSocket endpoint; browsers pass the token as ?token=
	r.Handle("/ws", authMiddleware(h.ws))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	if h.uploads != nil {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", h.uploads))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(apiRequestTimeout))

		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/transactions", h.escrow.Routes(authMiddleware))
		r.Mount("/wallet", h.wallet.Routes(authMiddleware))
		r.Mount("/disputes", h.dispute.Routes(authMiddleware))
		r.Mount("/otp", h.otp.Routes(authMiddleware))
		r.Mount("/notifications", h.notification.Routes(authMiddleware))
		r.Mount("/webhooks/mobilemoney", h.callback.Routes())
	})

	return r
}

// newStorage picks S3/MinIO, then R2, then the local disk. The returned
// handler serves local files in development and is nil otherwise.
func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, http.Handler, error) {
	switch {
	case cfg.S3Configured():
		st, err := storage.NewS3Storage(ctx, storage.Config{
			S3Endpoint:  cfg.S3Endpoint,
			S3Region:    cfg.S3Region,
			S3AccessKey: cfg.S3AccessKey,
			S3SecretKey: cfg.S3SecretKey,
			S3Bucket:    cfg.S3Bucket,
			PublicURL:   cfg.S3PublicURL,
		})
		return st, nil, err
	case cfg.R2Configured():
		st, err := storage.NewR2Storage(ctx, storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
		return st, nil, err
	default:
		log.Warn().Str("dir", cfg.LocalStorageDir).Msg("Object storage not configured, keeping evidence on local disk")
		st, err := storage.NewLocalStorage(cfg.LocalStorageDir, cfg.LocalStorageURL)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.IsDevelopment() {
			return st, nil, nil
		}
		return st, http.FileServer(http.Dir(cfg.LocalStorageDir)), nil
	}
}
