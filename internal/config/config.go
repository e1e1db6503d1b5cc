package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	AuthURL    string
	AuthAPIKey string
	CronSecret string

	// Loan
	InterestDisabled   bool
	AnnualInterestRate string

	// Idempotency
	RedisURL       string
	IdempotencyTTL time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// DocuSign
	DocuSignBaseURL     string
	DocuSignAccountID   string
	DocuSignAccessToken string
	DocuSignTemplateID  string
	DocuSignHMACKey     string

	// ipay署名者
	IpaySignerName  string
	IpaySignerEmail string
	// OperatorUserIDs はipay署名・組織署名の代行・融資実行ができる運営者のユーザーID。
	OperatorUserIDs []string

	// Twilio
	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioVerifyServiceSID string

	// Email
	SendGridAPIKey string
	EmailFrom      string

	// VIN
	VINDecoderURL string

	// Dead letter
	DeadLetterBackend   string
	DynamoDBTable       string
	DynamoDBEndpoint    string
	AWSRegion           string
	DeadLetterRetention time.Duration

	// Jobs
	LateFeeInterval     time.Duration
	DelinquencyInterval time.Duration
	ProcessorRateLimit  int

	// Rate Limit
	RateLimitGeneral     int
	RateLimitApplication int

	// Outbound HTTP
	ProviderTimeout time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.AuthURL = os.Getenv("AUTH_URL")
	if cfg.AuthURL == "" {
		missing = append(missing, "AUTH_URL")
	}

	cfg.CronSecret = os.Getenv("CRON_SECRET")
	if cfg.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AuthAPIKey = getEnvString("AUTH_API_KEY", "")
	cfg.InterestDisabled = getEnvBool("INTEREST_DISABLED", false)
	cfg.AnnualInterestRate = getEnvString("ANNUAL_INTEREST_RATE", "0.30")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.StripeSecretKey = getEnvString("STRIPE_SECRET_KEY", "")
	cfg.StripeWebhookSecret = getEnvString("STRIPE_WEBHOOK_SECRET", "")
	cfg.DocuSignBaseURL = getEnvString("DOCUSIGN_BASE_URL", "https://demo.docusign.net/restapi")
	cfg.DocuSignAccountID = getEnvString("DOCUSIGN_ACCOUNT_ID", "")
	cfg.DocuSignAccessToken = getEnvString("DOCUSIGN_ACCESS_TOKEN", "")
	cfg.DocuSignTemplateID = getEnvString("DOCUSIGN_TEMPLATE_ID", "")
	cfg.DocuSignHMACKey = getEnvString("DOCUSIGN_HMAC_KEY", "")
	cfg.IpaySignerName = getEnvString("IPAY_SIGNER_NAME", "ipay")
	cfg.IpaySignerEmail = getEnvString("IPAY_SIGNER_EMAIL", "")
	cfg.OperatorUserIDs = getEnvList("OPERATOR_USER_IDS")
	cfg.TwilioAccountSID = getEnvString("TWILIO_ACCOUNT_SID", "")
	cfg.TwilioAuthToken = getEnvString("TWILIO_AUTH_TOKEN", "")
	cfg.TwilioVerifyServiceSID = getEnvString("TWILIO_VERIFY_SERVICE_SID", "")
	cfg.SendGridAPIKey = getEnvString("SENDGRID_API_KEY", "")
	cfg.EmailFrom = getEnvString("EMAIL_FROM", "no-reply@ipay.example")
	cfg.VINDecoderURL = getEnvString("VIN_DECODER_URL", "https://vpic.nhtsa.dot.gov")
	cfg.DeadLetterBackend = strings.ToLower(getEnvString("DEADLETTER_BACKEND", "postgres"))
	cfg.DynamoDBTable = getEnvString("DYNAMODB_TABLE", "loandesk-dead-letters")
	cfg.DynamoDBEndpoint = getEnvString("DYNAMODB_ENDPOINT", "")
	cfg.AWSRegion = getEnvString("AWS_REGION", "us-east-1")
	cfg.DeadLetterRetention = getEnvDuration("DEADLETTER_RETENTION", 30*24*time.Hour)
	cfg.LateFeeInterval = getEnvDuration("LATE_FEE_INTERVAL", 24*time.Hour)
	cfg.DelinquencyInterval = getEnvDuration("DELINQUENCY_INTERVAL", 24*time.Hour)
	cfg.ProcessorRateLimit = getEnvInt("PROCESSOR_RATE_LIMIT", 20)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitApplication = getEnvInt("RATE_LIMIT_APPLICATION", 10)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.DeadLetterBackend != "postgres" && cfg.DeadLetterBackend != "dynamodb" {
		return nil, fmt.Errorf("DEADLETTER_BACKEND must be postgres or dynamodb: %q", cfg.DeadLetterBackend)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
