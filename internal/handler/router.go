package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/loandesk/internal/middleware"
	"github.com/hitoshi/loandesk/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	TokenVerifier     middleware.TokenVerifier
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder
	CronSecret        string

	// 冪等性キー（Redisがnilの場合は無効）
	Redis       redis.Cmdable
	Idempotency middleware.IdempotencyConfig

	// 運用
	HealthChecker  repository.HealthChecker
	MetricsHandler http.Handler

	// ローン・署名
	LoanService     LoanServiceInterface
	SigningService  SigningServiceInterface
	OperatorUserIDs []string // 運営者として扱うユーザーID

	// 借り手
	BorrowerService BorrowerServiceInterface

	// 車両
	VehicleDecoder VehicleDecoder

	// Webhook
	EnvelopeReconciler EnvelopeReconciler
	PaymentEvents      PaymentEventHandler
	PhoneVerifications PhoneVerificationApplier
	DeadLetters        DeadLetterRecorder
	WebhookMetrics     WebhookRecorder
	WebhookConfig      WebhookConfig

	// バッチ
	LateFeeRunner     LateFeeRunner
	DelinquencyRunner DelinquencyRunner
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Logging → (/api) Auth → RateLimit(General)
//
// /health, /metrics, /webhooks/* は認証の外に配置し、/jobs/* はCRON_SECRETで保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// 全ルート共通
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))

	loanHandler := NewLoanHandler(deps.LoanService, deps.SigningService, deps.OperatorUserIDs)
	borrowerHandler := NewBorrowerHandler(deps.BorrowerService)
	vehicleHandler := NewVehicleHandler(deps.VehicleDecoder, logger)
	webhookHandler := NewWebhookHandler(
		deps.EnvelopeReconciler, deps.PaymentEvents, deps.PhoneVerifications,
		deps.DeadLetters, deps.WebhookMetrics, deps.WebhookConfig, logger,
	)
	jobHandler := NewJobHandler(deps.LateFeeRunner, deps.DelinquencyRunner, logger)

	// --- 運用 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- Webhook（各プロバイダーの署名で検証） ---
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/esign", webhookHandler.ESign)
		r.Post("/payments", webhookHandler.Payments)
		r.Post("/sms", webhookHandler.SMS)
	})

	// --- バッチ起動 ---
	r.Route("/jobs", func(r chi.Router) {
		r.Use(middleware.NewCronSecretMiddleware(deps.CronSecret, logger))

		r.Get("/late-fees", jobHandler.RunLateFees)
		r.Post("/late-fees", jobHandler.RunLateFees)
		r.Get("/delinquency", jobHandler.RunDelinquency)
		r.Post("/delinquency", jobHandler.RunDelinquency)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier, logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/loans", func(r chi.Router) {
			r.Post("/quote", loanHandler.Quote)

			// POST /api/loans - 申込作成（申込専用レート制限と冪等性キーを追加）
			r.With(
				deps.RateLimiter.ApplicationMiddleware(),
				middleware.NewIdempotencyMiddleware(deps.Redis, deps.Idempotency, logger),
			).Post("/", loanHandler.CreateLoan)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", loanHandler.GetLoan)
				r.Get("/schedule", loanHandler.GetSchedule)
				r.Post("/fund", loanHandler.Fund)

				r.Post("/signing", loanHandler.StartSigning)
				r.Get("/signing/view", loanHandler.SigningView)
				r.Post("/signing/complete", loanHandler.CompleteSignature)
			})
		})

		r.Route("/borrowers/{id}", func(r chi.Router) {
			r.Post("/identity", borrowerHandler.StartIdentity)
			r.Post("/payment-setup", borrowerHandler.SetupPayment)
			r.Post("/phone/send", borrowerHandler.SendPhoneCode)
			r.Post("/phone/check", borrowerHandler.CheckPhoneCode)
		})

		r.Get("/vehicles/{vin}", vehicleHandler.DecodeVIN)
	})

	return r
}
