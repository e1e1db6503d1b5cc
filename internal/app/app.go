package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/hitoshi/loandesk/internal/auth"
	"github.com/hitoshi/loandesk/internal/borrower"
	"github.com/hitoshi/loandesk/internal/config"
	"github.com/hitoshi/loandesk/internal/database"
	"github.com/hitoshi/loandesk/internal/deadletter"
	"github.com/hitoshi/loandesk/internal/envelope"
	"github.com/hitoshi/loandesk/internal/esign"
	"github.com/hitoshi/loandesk/internal/handler"
	"github.com/hitoshi/loandesk/internal/loan"
	"github.com/hitoshi/loandesk/internal/loancalc"
	"github.com/hitoshi/loandesk/internal/logger"
	"github.com/hitoshi/loandesk/internal/metrics"
	"github.com/hitoshi/loandesk/internal/middleware"
	"github.com/hitoshi/loandesk/internal/notify"
	"github.com/hitoshi/loandesk/internal/payments"
	"github.com/hitoshi/loandesk/internal/repository"
	"github.com/hitoshi/loandesk/internal/security"
	"github.com/hitoshi/loandesk/internal/signing"
	"github.com/hitoshi/loandesk/internal/sms"
	"github.com/hitoshi/loandesk/internal/vin"
	"github.com/hitoshi/loandesk/internal/worker/cleanup"
	"github.com/hitoshi/loandesk/internal/worker/delinquency"
	"github.com/hitoshi/loandesk/internal/worker/latefee"
)

// identityReturnPath は本人確認完了後のデフォルトの戻り先パス。
const identityReturnPath = "/identity/complete"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("deadletter_backend", cfg.DeadLetterBackend),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// providers は外部プロバイダーのクライアント群。
// 未設定のプロバイダーはnilインターフェースのまま残し、利用側が無効として扱う。
type providers struct {
	auth        *auth.Provider
	processor   *payments.StripeProcessor
	identity    borrower.PaymentProvider
	invoices    loan.InvoiceScheduler
	phones      borrower.PhoneVerifier
	vehicles    *vin.Client
	envelopes   *esign.Client
	appNotifier loan.ApplicationNotifier
	signNotify  signing.Notifier
}

// newProviders は設定から外部プロバイダーのクライアントを生成する。
// 全クライアントはSSRF対策済みのegressクライアントを共有する。
func newProviders(cfg *config.Config, log *slog.Logger) (*providers, error) {
	urls := map[string]string{
		"AUTH_URL":          cfg.AuthURL,
		"VIN_DECODER_URL":   cfg.VINDecoderURL,
		"DOCUSIGN_BASE_URL": cfg.DocuSignBaseURL,
	}
	for name, u := range urls {
		if err := security.ValidateProviderURL(name, u); err != nil {
			return nil, fmt.Errorf("invalid provider URL: %w", err)
		}
	}

	httpClient := security.NewEgressClient(cfg.ProviderTimeout)

	p := &providers{
		auth: auth.NewProvider(httpClient, log, auth.ProviderConfig{
			BaseURL: cfg.AuthURL,
			APIKey:  cfg.AuthAPIKey,
		}),
		processor: payments.NewStripeProcessor(cfg.StripeSecretKey, log),
		vehicles:  vin.NewClient(httpClient, log, cfg.VINDecoderURL),
		envelopes: esign.NewClient(httpClient, log, esign.Config{
			BaseURL:     cfg.DocuSignBaseURL,
			AccountID:   cfg.DocuSignAccountID,
			AccessToken: cfg.DocuSignAccessToken,
			TemplateID:  cfg.DocuSignTemplateID,
		}),
	}

	if cfg.StripeSecretKey != "" {
		p.identity = p.processor
		p.invoices = p.processor
	} else {
		log.Warn("STRIPE_SECRET_KEY is not set; identity verification, payment setup and funding are disabled")
	}

	if cfg.TwilioAccountSID != "" && cfg.TwilioVerifyServiceSID != "" {
		p.phones = sms.NewVerifyClient(httpClient, log, sms.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			ServiceSID: cfg.TwilioVerifyServiceSID,
		})
	} else {
		log.Warn("Twilio Verify is not configured; phone verification is disabled")
	}

	if mailer := notify.NewMailer(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.BaseURL, log); mailer != nil {
		p.appNotifier = mailer
		p.signNotify = mailer
	} else {
		log.Warn("SENDGRID_API_KEY is not set; emails will not be sent")
	}

	return p, nil
}

// calculatorConfig は設定から返済額計算の設定を組み立てる。
func calculatorConfig(cfg *config.Config) (loancalc.Config, error) {
	annual, err := decimal.NewFromString(cfg.AnnualInterestRate)
	if err != nil {
		return loancalc.Config{}, fmt.Errorf("ANNUAL_INTEREST_RATE is not a decimal: %w", err)
	}
	return loancalc.Config{
		AnnualRate:       annual,
		InterestDisabled: cfg.InterestDisabled,
	}, nil
}

func lateFeeConfig(cfg *config.Config) latefee.Config {
	c := latefee.DefaultConfig()
	c.Interval = cfg.LateFeeInterval
	c.RateLimit = rate.Limit(cfg.ProcessorRateLimit)
	return c
}

func delinquencyConfig(cfg *config.Config) delinquency.Config {
	c := delinquency.DefaultConfig()
	c.Interval = cfg.DelinquencyInterval
	c.RateLimit = rate.Limit(cfg.ProcessorRateLimit)
	return c
}

// newDeadLetterStore はDEADLETTER_BACKENDに応じたdead letterの保存先を返す。
func newDeadLetterStore(ctx context.Context, cfg *config.Config, db *sql.DB) (deadletter.Store, error) {
	if cfg.DeadLetterBackend != "dynamodb" {
		return deadletter.NewPostgresStore(db), nil
	}

	client, err := deadletter.NewDynamoClient(ctx, deadletter.DynamoConfig{
		Region:   cfg.AWSRegion,
		Endpoint: cfg.DynamoDBEndpoint,
		Table:    cfg.DynamoDBTable,
	})
	if err != nil {
		return nil, err
	}
	return deadletter.NewDynamoStore(client, cfg.DynamoDBTable, cfg.DeadLetterRetention), nil
}

// newRedis はREDIS_URLが設定されていればRedisクライアントを返す。
// 未設定の場合は冪等性キーを無効にするためnilを返す。
func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()
	ctx := context.Background()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	loanRepo := repository.NewPostgresLoanRepo(db)
	borrowerRepo := repository.NewPostgresBorrowerRepo(db)
	orgRepo := repository.NewPostgresOrganizationRepo(db)

	// 3. 外部プロバイダーの初期化
	p, err := newProviders(cfg, log)
	if err != nil {
		return err
	}

	calcCfg, err := calculatorConfig(cfg)
	if err != nil {
		return err
	}

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 5. ドメインサービスの初期化
	loanService := loan.NewService(
		loanRepo, borrowerRepo, orgRepo, p.vehicles, p.appNotifier, p.invoices,
		security.NewTextSanitizer(), calcCfg, log,
	)
	signingService := signing.NewService(
		loanRepo, borrowerRepo, orgRepo, p.envelopes, p.signNotify,
		signing.OperatorSigner{Name: cfg.IpaySignerName, Email: cfg.IpaySignerEmail},
		cfg.BaseURL, log,
	)
	borrowerService := borrower.NewService(
		borrowerRepo, p.identity, p.phones,
		strings.TrimRight(cfg.BaseURL, "/")+identityReturnPath, log,
	)
	reconciler := envelope.NewReconciler(loanRepo, log)
	eventService := payments.NewEventService(loanRepo, borrowerRepo, log)

	deadLetterStore, err := newDeadLetterStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	deadLetters := deadletter.NewRecorder(deadLetterStore, log)

	lateFees := latefee.NewScanner(p.processor, log, lateFeeConfig(cfg), collector)
	delinquencyScanner := delinquency.NewScanner(loanRepo, p.processor, log, delinquencyConfig(cfg), collector)

	// 6. 冪等性キー用のRedis（任意）
	redisClient, err := newRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var rdb redis.Cmdable
	if redisClient != nil {
		defer redisClient.Close()
		rdb = redisClient
	} else {
		log.Warn("REDIS_URL is not set; Idempotency-Key handling is disabled")
	}

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitApplication), log,
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TokenVerifier:     p.auth,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,
		CronSecret:        cfg.CronSecret,

		Redis:       rdb,
		Idempotency: middleware.IdempotencyConfig{TTL: cfg.IdempotencyTTL},

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		LoanService:     loanService,
		OperatorUserIDs: cfg.OperatorUserIDs,
		SigningService:  signingService,
		BorrowerService: borrowerService,
		VehicleDecoder:  p.vehicles,

		EnvelopeReconciler: reconciler,
		PaymentEvents:      eventService,
		PhoneVerifications: borrowerService,
		DeadLetters:        deadLetters,
		WebhookMetrics:     collector,
		WebhookConfig: handler.WebhookConfig{
			ESignHMACKey:   cfg.DocuSignHMACKey,
			PaymentsSecret: cfg.StripeWebhookSecret,
			SMSAuthToken:   cfg.TwilioAuthToken,
			PublicBaseURL:  cfg.BaseURL,
		},

		LateFeeRunner:     lateFees,
		DelinquencyRunner: delinquencyScanner,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 延滞手数料・延滞状況スキャナーとdead letterのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. 依存関係の初期化
	loanRepo := repository.NewPostgresLoanRepo(db)
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey, log)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	lateFees := latefee.NewScanner(processor, log, lateFeeConfig(cfg), collector)
	delinquencyScanner := delinquency.NewScanner(loanRepo, processor, log, delinquencyConfig(cfg), collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("late_fee_interval", cfg.LateFeeInterval),
		slog.Duration("delinquency_interval", cfg.DelinquencyInterval),
	)

	// DynamoDBはTTLで期限切れを処理するため、PostgreSQLの場合のみクリーンアップを起動
	if cfg.DeadLetterBackend == "postgres" {
		cleanupJob := cleanup.NewCleanupJob(db, log, collector)
		cleanupJob.Retention = cfg.DeadLetterRetention
		go cleanupJob.Start(ctx, 24*time.Hour)
	}

	go lateFees.Start(ctx)

	// 延滞状況スキャナーをメインgoroutineで実行（ブロッキング）
	delinquencyScanner.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
