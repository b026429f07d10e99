package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	AWS          AWSConfig
	Payments     PaymentsConfig
	Fraud        FraudConfig
	Stripe       StripeConfig
	Razorpay     RazorpayConfig
	Wallet       WalletConfig
	BankTransfer BankTransferConfig
	Kafka        KafkaConfig
	Email        EmailConfig
}

// PaymentsConfig holds orchestrator settings shared by all gateways.
type PaymentsConfig struct {
	Currency          string
	MaxRetries        int
	CardGateway       string // "stripe" or "razorpay"
	GatewayTimeoutSec int
	VerifyLockSec     int
	LockWaitSec       int
	SuccessURL        string
	CancelURL         string
	NodeID            int64 // snowflake node for order numbers and gateway references
}

// FraudConfig tunes the pre-payment risk scorer.
type FraudConfig struct {
	LargeAmount     string // decimal string, e.g. "50000"
	BlockOnVelocity bool
}

// StripeConfig for the first card provider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// RazorpayConfig for the second card provider.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

// WalletConfig for the redirect-style wallet gateway.
type WalletConfig struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	CallbackURL string
}

// BankTransferConfig holds the account shown to payers choosing a manual transfer.
type BankTransferConfig struct {
	BankName      string
	AccountName   string
	AccountNumber string
	RoutingNumber string
}

// KafkaConfig for payment domain events. Empty Brokers disables publishing.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// EmailConfig for SMTP receipt delivery.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	StatementsBucket     string
	ReceiptsBucket       string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "learning"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			StatementsBucket:     getEnv("AWS_S3_STATEMENTS_BUCKET", "learning-finance-statements"),
			ReceiptsBucket:       getEnv("AWS_S3_RECEIPTS_BUCKET", "learning-transfer-receipts"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Payments: PaymentsConfig{
			Currency:          getEnv("PAYMENT_CURRENCY", "BDT"),
			MaxRetries:        getEnvInt("PAYMENT_MAX_RETRIES", 3),
			CardGateway:       strings.ToLower(getEnv("CARD_GATEWAY", "stripe")),
			GatewayTimeoutSec: getEnvInt("GATEWAY_TIMEOUT_SEC", 15),
			VerifyLockSec:     getEnvInt("PAYMENT_VERIFY_LOCK_SEC", 30),
			LockWaitSec:       getEnvInt("PAYMENT_LOCK_WAIT_SEC", 5),
			SuccessURL:        getEnv("PAYMENT_SUCCESS_URL", "http://localhost:3000/payments/success"),
			CancelURL:         getEnv("PAYMENT_CANCEL_URL", "http://localhost:3000/payments/cancel"),
			NodeID:            int64(getEnvInt("SNOWFLAKE_NODE_ID", 1)),
		},
		Fraud: FraudConfig{
			LargeAmount:     getEnv("FRAUD_LARGE_AMOUNT", "50000"),
			BlockOnVelocity: getEnvBool("FRAUD_BLOCK_ON_VELOCITY", true),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		},
		Razorpay: RazorpayConfig{
			KeyID:         getEnv("RAZORPAY_KEY_ID", ""),
			KeySecret:     getEnv("RAZORPAY_KEY_SECRET", ""),
			WebhookSecret: getEnv("RAZORPAY_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
		},
		Wallet: WalletConfig{
			BaseURL:     getEnv("WALLET_BASE_URL", ""),
			AppKey:      getEnv("WALLET_APP_KEY", ""),
			AppSecret:   getEnv("WALLET_APP_SECRET", ""),
			Username:    getEnv("WALLET_USERNAME", ""),
			Password:    getEnv("WALLET_PASSWORD", ""),
			CallbackURL: getEnv("WALLET_CALLBACK_URL", "http://localhost:8080/webhooks/wallet"),
		},
		BankTransfer: BankTransferConfig{
			BankName:      getEnv("BANK_TRANSFER_BANK_NAME", ""),
			AccountName:   getEnv("BANK_TRANSFER_ACCOUNT_NAME", ""),
			AccountNumber: getEnv("BANK_TRANSFER_ACCOUNT_NUMBER", ""),
			RoutingNumber: getEnv("BANK_TRANSFER_ROUTING_NUMBER", ""),
		},
		Kafka: KafkaConfig{
			Brokers:  splitTrim(getEnv("KAFKA_BROKERS", ""), ","),
			ClientID: getEnv("KAFKA_CLIENT_ID", "payment-engine"),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Aura Learn"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
		},
	}
	if cfg.Payments.CardGateway != "stripe" && cfg.Payments.CardGateway != "razorpay" {
		return nil, fmt.Errorf("CARD_GATEWAY must be stripe or razorpay, got %q", cfg.Payments.CardGateway)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
