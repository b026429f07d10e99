// Package main runs the payment and reconciliation HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/coupons"
	"github.com/aura-learn/backend/internal/emaillogs"
	"github.com/aura-learn/backend/internal/enrollments"
	"github.com/aura-learn/backend/internal/events"
	"github.com/aura-learn/backend/internal/fraud"
	"github.com/aura-learn/backend/internal/gateway"
	"github.com/aura-learn/backend/internal/gateway/banktransfer"
	"github.com/aura-learn/backend/internal/gateway/razorpay"
	"github.com/aura-learn/backend/internal/gateway/stripe"
	"github.com/aura-learn/backend/internal/gateway/wallet"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/notify"
	"github.com/aura-learn/backend/internal/orders"
	"github.com/aura-learn/backend/internal/payments"
	"github.com/aura-learn/backend/pkg/database"
	"github.com/aura-learn/backend/pkg/queue"
	"github.com/aura-learn/backend/pkg/redis"
	"github.com/aura-learn/backend/pkg/response"
	"github.com/aura-learn/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	applied, err := database.Migrate(ctx, pool)
	if err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("names", applied))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			StatementsBucket:     cfg.AWS.StatementsBucket,
			ReceiptsBucket:       cfg.AWS.ReceiptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	node, err := snowflake.NewNode(cfg.Payments.NodeID)
	if err != nil {
		logger.Fatal("snowflake node", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	locker := redis.NewLocker(rdb.Client, "lock:")

	// Audit trail
	auditRepo := audit.NewRepository(pool)
	auditRec := audit.NewRecorder(auditRepo, logger)

	// Ledger
	var statements ledger.ObjectStore
	if s3Client != nil {
		statements = storage.StatementStore{S3: s3Client}
	}
	ledgerRec := ledger.NewRecorder(ledger.NewRepository(pool), statements, storage.StatementKey, logger)

	// Commissions
	instructors := newEngine(pool, models.PayeeInstructor, logger)
	affiliates := newEngine(pool, models.PayeeAffiliate, logger)

	// Coupons, orders, enrollments
	couponEngine := coupons.NewEngine(coupons.NewRepository(pool), logger)
	reconciler := orders.NewReconciler(orders.NewRepository(pool), couponEngine, node, logger)
	enrollmentRepo := enrollments.NewRepository(pool)

	// Events
	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
		if err != nil {
			logger.Fatal("kafka", zap.Error(err))
		}
		publisher = kp
	}
	defer publisher.Close()

	// Payments
	paymentRepo := payments.NewRepository(pool)
	largeAmount, err := decimal.NewFromString(cfg.Fraud.LargeAmount)
	if err != nil {
		logger.Fatal("fraud large amount", zap.String("value", cfg.Fraud.LargeAmount), zap.Error(err))
	}
	orchestrator := payments.NewOrchestrator(payments.Deps{
		Store:       paymentRepo,
		Gateways:    buildGateways(cfg, s3Client, logger),
		Scorer:      fraud.NewScorer(paymentRepo, largeAmount, logger),
		Coupons:     couponEngine,
		Enrollments: enrollmentRepo,
		Instructors: instructors,
		Affiliates:  affiliates,
		Orders:      reconciler,
		Ledger:      ledgerRec,
		Audit:       auditRec,
		Events:      publisher,
		Notifier:    notify.NewNotifier(jobQueue, logger),
		Locker:      locker,
		References:  node,
		Logger:      logger,
	}, payments.Options{
		Currency:        cfg.Payments.Currency,
		MaxRetries:      cfg.Payments.MaxRetries,
		GatewayTimeout:  time.Duration(cfg.Payments.GatewayTimeoutSec) * time.Second,
		LockTTL:         time.Duration(cfg.Payments.VerifyLockSec) * time.Second,
		LockWait:        time.Duration(cfg.Payments.LockWaitSec) * time.Second,
		BlockOnVelocity: cfg.Fraud.BlockOnVelocity,
		SuccessURL:      cfg.Payments.SuccessURL,
		CancelURL:       cfg.Payments.CancelURL,
	})

	paymentHandler := payments.NewHandler(orchestrator)
	webhookHandler := payments.NewWebhookHandler(orchestrator, logger)
	couponHandler := coupons.NewHandler(couponEngine)
	orderHandler := orders.NewHandler(reconciler)
	earningsHandler := commissions.NewHandler(auditRec, instructors, affiliates)
	ledgerHandler := ledger.NewHandler(ledgerRec, auditRec)
	emailLogsHandler := emaillogs.NewHandler(emaillogs.NewRepository(pool), orchestrator)
	auditHandler := audit.NewHandler(auditRepo)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", health(pool, rdb))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/payments", paymentHandler.Initiate)
		api.GET("/payments", paymentHandler.List)
		api.GET("/payments/:id", paymentHandler.Get)
		api.POST("/payments/:id/verify", paymentHandler.Verify)
		api.POST("/payments/:id/retry", paymentHandler.Retry)

		api.POST("/coupons/validate", couponHandler.Validate)

		api.POST("/orders", orderHandler.Create)
		api.GET("/orders/:id", orderHandler.Get)
	}

	admin := api.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	{
		admin.POST("/payments/:id/refund", paymentHandler.Refund)
		admin.POST("/payments/:id/confirm-transfer", paymentHandler.ConfirmTransfer)
		admin.GET("/payments/:id/emails", emailLogsHandler.ListByPayment)
		admin.POST("/payments/:id/emails/resend", emailLogsHandler.Resend)
		admin.GET("/payments/:id/audit", auditHandler.ListByPayment)

		admin.PATCH("/orders/:id/status", orderHandler.UpdateStatus)

		admin.GET("/earnings/:kind/:payeeId", earningsHandler.Summary)
		admin.POST("/earnings/:kind/payouts", earningsHandler.MarkPaid)
		admin.POST("/earnings/:kind/:id/cancel", earningsHandler.Cancel)

		admin.GET("/ledger/balance", ledgerHandler.Balance)
		admin.GET("/ledger/statement", ledgerHandler.Statement)
		admin.POST("/ledger/statement/export", ledgerHandler.Export)
	}

	// Webhooks (no JWT; each gateway's signature is checked in the handler)
	router.POST("/webhooks/stripe", webhookHandler.Handle("stripe"))
	router.POST("/webhooks/razorpay", webhookHandler.Handle("razorpay"))
	router.POST("/webhooks/wallet", webhookHandler.Handle("wallet"))
	router.GET("/webhooks/wallet", webhookHandler.Handle("wallet"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("card_gateway", cfg.Payments.CardGateway))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// buildGateways registers one adapter per rail. Card methods go to the provider
// selected by CARD_GATEWAY; the other card provider still serves its webhooks.
func buildGateways(cfg *config.Config, s3Client *storage.S3, logger *zap.Logger) *gateway.Registry {
	timeout := time.Duration(cfg.Payments.GatewayTimeoutSec) * time.Second
	stripeAdapter := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		BaseURL:       cfg.Stripe.BaseURL,
		Timeout:       timeout,
	}, logger)
	razorpayAdapter := razorpay.New(razorpay.Config{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
		BaseURL:       cfg.Razorpay.BaseURL,
		Timeout:       timeout,
	}, logger)
	walletAdapter := wallet.New(wallet.Config{
		BaseURL:     cfg.Wallet.BaseURL,
		AppKey:      cfg.Wallet.AppKey,
		AppSecret:   cfg.Wallet.AppSecret,
		Username:    cfg.Wallet.Username,
		Password:    cfg.Wallet.Password,
		CallbackURL: cfg.Wallet.CallbackURL,
		Timeout:     timeout,
	}, logger)
	var receipts banktransfer.ReceiptUploads
	if s3Client != nil {
		receipts = storage.ReceiptUploads{S3: s3Client}
	}
	bankAdapter := banktransfer.New(banktransfer.Account{
		BankName:      cfg.BankTransfer.BankName,
		AccountName:   cfg.BankTransfer.AccountName,
		AccountNumber: cfg.BankTransfer.AccountNumber,
		RoutingNumber: cfg.BankTransfer.RoutingNumber,
	}, receipts, logger)

	reg := gateway.NewRegistry()
	cards := []models.PaymentMethod{models.MethodVisaCard, models.MethodMastercard}
	if cfg.Payments.CardGateway == "razorpay" {
		reg.Register(razorpayAdapter, cards...)
		reg.Register(stripeAdapter)
	} else {
		reg.Register(stripeAdapter, cards...)
		reg.Register(razorpayAdapter)
	}
	reg.Register(walletAdapter, models.MethodWallet)
	reg.Register(bankAdapter, models.MethodMobileBank)
	return reg
}

func newEngine(pool *pgxpool.Pool, kind models.PayeeKind, logger *zap.Logger) *commissions.Engine {
	repo, err := commissions.NewRepository(pool, kind)
	if err != nil {
		logger.Fatal("commissions repository", zap.String("kind", string(kind)), zap.Error(err))
	}
	return commissions.NewEngine(kind, repo, logger)
}

func health(pool *pgxpool.Pool, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := gin.H{"status": "ok", "database": "ok", "redis": "ok"}
		healthy := true
		if err := pool.Ping(ctx); err != nil {
			status["database"] = err.Error()
			healthy = false
		}
		if err := rdb.Healthy(ctx); err != nil {
			status["redis"] = err.Error()
			healthy = false
		}
		if !healthy {
			status["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, response.Body{Success: false, Data: status})
			return
		}
		response.OK(c, status)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
