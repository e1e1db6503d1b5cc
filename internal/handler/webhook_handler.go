package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/loandesk/internal/envelope"
	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/payments"
	"github.com/hitoshi/loandesk/internal/sms"
)

// Webhook処理結果（メトリクスのoutcomeラベル）
const (
	webhookProcessed        = "processed"
	webhookRejected         = "rejected"
	webhookInvalidSignature = "invalid_signature"
	webhookNotFound         = "not_found"
	webhookDeadLettered     = "dead_lettered"
)

// EnvelopeReconciler は封筒ステータス通知をローンに反映する。
type EnvelopeReconciler interface {
	Apply(ctx context.Context, payload []byte) (*envelope.Result, error)
}

// PaymentEventHandler は検証済みの決済イベントを処理する。
type PaymentEventHandler interface {
	Handle(ctx context.Context, event payments.Event) error
}

// PhoneVerificationApplier はSMS確認ステータスを借り手に反映する。
type PhoneVerificationApplier interface {
	ApplyPhoneVerification(ctx context.Context, phone, status string) (bool, error)
}

// DeadLetterRecorder は処理に失敗したイベントを保存する。
type DeadLetterRecorder interface {
	Record(ctx context.Context, source, eventID string, payload []byte, cause error)
}

// WebhookRecorder はWebhookの処理結果をメトリクスに記録する。
type WebhookRecorder interface {
	RecordWebhook(source, outcome string)
}

// WebhookConfig はWebhook署名検証の設定。
type WebhookConfig struct {
	ESignHMACKey   string // 空の場合は電子署名通知の署名検証を行わない
	PaymentsSecret string
	SMSAuthToken   string
	PublicBaseURL  string // SMS署名の計算に使う外部公開URL
}

// WebhookHandler は外部プロバイダーからのWebhookを受け付ける。
// 署名検証後の処理失敗はdead letterに保存し、プロバイダーの再送を止めるため200を返す。
type WebhookHandler struct {
	envelopes  EnvelopeReconciler
	payments   PaymentEventHandler
	phones     PhoneVerificationApplier
	deadLetter DeadLetterRecorder
	metrics    WebhookRecorder // nilの場合は記録しない
	config     WebhookConfig
	logger     *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(
	envelopes EnvelopeReconciler,
	paymentEvents PaymentEventHandler,
	phones PhoneVerificationApplier,
	deadLetter DeadLetterRecorder,
	metrics WebhookRecorder,
	config WebhookConfig,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		envelopes:  envelopes,
		payments:   paymentEvents,
		phones:     phones,
		deadLetter: deadLetter,
		metrics:    metrics,
		config:     config,
		logger:     logger,
	}
}

// ESign は電子署名プロバイダーの封筒ステータス通知を処理する。
// POST /webhooks/esign
func (h *WebhookHandler) ESign(w http.ResponseWriter, r *http.Request) {
	const source = model.DeadLetterSourceESign

	payload, ok := h.readBody(w, r, source)
	if !ok {
		return
	}

	if h.config.ESignHMACKey != "" &&
		!envelope.VerifySignature(h.config.ESignHMACKey, payload, r.Header.Get(envelope.SignatureHeader)) {
		h.reject(w, source, webhookInvalidSignature, http.StatusUnauthorized, model.NewInvalidSignatureError(source))
		return
	}

	result, err := h.envelopes.Apply(r.Context(), payload)
	if err != nil {
		var apiErr *model.APIError
		isAPIErr := errors.As(err, &apiErr)
		switch {
		case isAPIErr && apiErr.Category == model.CategoryValidation:
			h.reject(w, source, webhookRejected, http.StatusBadRequest, apiErr)
		case isAPIErr && apiErr.Category == model.CategoryNotFound:
			h.reject(w, source, webhookNotFound, http.StatusNotFound, apiErr)
		default:
			eventID := ""
			if ev, perr := envelope.ParseEvent(payload); perr == nil {
				eventID = ev.EnvelopeID
			}
			h.deadLetterAndAck(w, r, source, eventID, payload, err)
		}
		return
	}

	h.record(source, webhookProcessed)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"loan_id":         result.LoanID,
		"envelope_status": string(result.Status),
	})
}

// Payments は決済プロセッサのWebhookイベントを処理する。
// POST /webhooks/payments
func (h *WebhookHandler) Payments(w http.ResponseWriter, r *http.Request) {
	const source = model.DeadLetterSourcePayments

	payload, ok := h.readBody(w, r, source)
	if !ok {
		return
	}

	event, err := payments.VerifyWebhook(payload, r.Header.Get(payments.SignatureHeader), h.config.PaymentsSecret)
	if err != nil {
		h.logger.Warn("決済Webhookの署名検証に失敗しました", slog.String("error", err.Error()))
		h.reject(w, source, webhookInvalidSignature, http.StatusBadRequest, model.NewInvalidSignatureError(source))
		return
	}

	if err := h.payments.Handle(r.Context(), event); err != nil {
		h.deadLetterAndAck(w, r, source, event.ID, payload, err)
		return
	}

	h.record(source, webhookProcessed)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SMS はSMS確認ステータスのコールバックを処理する。
// POST /webhooks/sms
func (h *WebhookHandler) SMS(w http.ResponseWriter, r *http.Request) {
	const source = model.DeadLetterSourceSMS

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.reject(w, source, webhookRejected, http.StatusBadRequest,
			model.NewValidationError(model.ErrCodeInvalidPayload, "form body could not be parsed"))
		return
	}

	fullURL := strings.TrimRight(h.config.PublicBaseURL, "/") + r.URL.RequestURI()
	if !sms.ValidateSignature(h.config.SMSAuthToken, fullURL, r.PostForm, r.Header.Get(sms.SignatureHeader)) {
		h.reject(w, source, webhookInvalidSignature, http.StatusForbidden, model.NewInvalidSignatureError(source))
		return
	}

	phone := r.PostForm.Get("To")
	status := r.PostForm.Get("Status")
	matched, err := h.phones.ApplyPhoneVerification(r.Context(), phone, status)
	if err != nil {
		payload := []byte(r.PostForm.Encode())
		h.deadLetterAndAck(w, r, source, r.PostForm.Get("Sid"), payload, err)
		return
	}
	if !matched && status == sms.StatusApproved {
		h.logger.Warn("確認済み電話番号に対応する借り手がいません",
			slog.String("verification_sid", r.PostForm.Get("Sid")),
		)
	}

	h.record(source, webhookProcessed)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody はリクエストボディを上限付きで読み込む。
func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request, source string) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.reject(w, source, webhookRejected, http.StatusBadRequest,
			model.NewValidationError(model.ErrCodeInvalidPayload, "request body could not be read"))
		return nil, false
	}
	return payload, true
}

func (h *WebhookHandler) reject(w http.ResponseWriter, source, outcome string, statusCode int, apiErr *model.APIError) {
	h.record(source, outcome)
	writeAPIErrorResponse(w, statusCode, apiErr)
}

// deadLetterAndAck は処理失敗をログとdead letterに残し、200で応答する。
func (h *WebhookHandler) deadLetterAndAck(w http.ResponseWriter, r *http.Request, source, eventID string, payload []byte, cause error) {
	h.logger.Error("Webhookイベントの処理に失敗しました",
		slog.String("source", source),
		slog.String("event_id", eventID),
		slog.String("error", cause.Error()),
	)
	h.deadLetter.Record(r.Context(), source, eventID, payload, cause)
	h.record(source, webhookDeadLettered)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) record(source, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(source, outcome)
	}
}
