package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureHeader は決済Webhookの署名ヘッダー名。
const SignatureHeader = "Stripe-Signature"

// Event は署名検証済みの決済Webhookイベント。
type Event struct {
	ID   string
	Type string
	// Object はイベント対象オブジェクト（data.object）のJSON。
	Object json.RawMessage
}

// VerifyWebhook は署名ヘッダーを検証し、イベントを返す。
// 検証失敗は認証エラーとして返す。
func VerifyWebhook(payload []byte, signatureHeader, secret string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", model.NewInvalidSignatureError("payments"), err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out, nil
}

// LoanEventStore はイベント処理で使用するローンリポジトリの部分集合。
type LoanEventStore interface {
	RecordPayment(ctx context.Context, loanID string, paidAt time.Time) error
	RecordFailedPayment(ctx context.Context, loanID string, at time.Time) error
	MarkLate(ctx context.Context, loanID string, at time.Time) error
}

// IdentityStore はイベント処理で使用する借り手リポジトリの部分集合。
type IdentityStore interface {
	UpdateIdentityStatusBySession(ctx context.Context, sessionID string, status model.IdentityStatus) (bool, error)
}

// EventService は決済Webhookイベントをローン・借り手に反映する。
type EventService struct {
	loans     LoanEventStore
	borrowers IdentityStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewEventService はEventServiceを生成する。
func NewEventService(loans LoanEventStore, borrowers IdentityStore, logger *slog.Logger) *EventService {
	return &EventService{
		loans:     loans,
		borrowers: borrowers,
		logger:    logger,
		now:       time.Now,
	}
}

// identityStatuses は本人確認イベント種別から借り手の状態への対応。
var identityStatuses = map[string]model.IdentityStatus{
	"identity.verification_session.verified":       model.IdentityStatusVerified,
	"identity.verification_session.requires_input": model.IdentityStatusRequiresInput,
	"identity.verification_session.canceled":       model.IdentityStatusCanceled,
}

type eventObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// Handle はイベント種別に応じた処理を行う。未知の種別は無視する。
func (s *EventService) Handle(ctx context.Context, event Event) error {
	if status, ok := identityStatuses[event.Type]; ok {
		return s.handleIdentity(ctx, event, status)
	}

	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed", "invoice.overdue":
		return s.handleInvoice(ctx, event)
	}

	s.logger.Debug("未対応の決済イベントを無視しました",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)
	return nil
}

func (s *EventService) handleInvoice(ctx context.Context, event Event) error {
	var obj eventObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return fmt.Errorf("請求書イベントのパースに失敗しました: %w", err)
	}
	loanID := obj.Metadata[MetadataLoanID]
	if loanID == "" {
		s.logger.Warn("請求書にローンIDがないためイベントを無視しました",
			slog.String("event_id", event.ID),
			slog.String("invoice_id", obj.ID),
		)
		return nil
	}

	now := s.now().UTC()
	var err error
	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		err = s.loans.RecordPayment(ctx, loanID, now)
	case "invoice.payment_failed":
		err = s.loans.RecordFailedPayment(ctx, loanID, now)
	case "invoice.overdue":
		err = s.loans.MarkLate(ctx, loanID, now)
	}
	if err != nil {
		return fmt.Errorf("請求書イベント %s の反映に失敗しました: %w", event.Type, err)
	}

	s.logger.Info("請求書イベントを反映しました",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("loan_id", loanID),
	)
	return nil
}

func (s *EventService) handleIdentity(ctx context.Context, event Event, status model.IdentityStatus) error {
	var obj eventObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return fmt.Errorf("本人確認イベントのパースに失敗しました: %w", err)
	}

	updated, err := s.borrowers.UpdateIdentityStatusBySession(ctx, obj.ID, status)
	if err != nil {
		return fmt.Errorf("本人確認状態の反映に失敗しました: %w", err)
	}
	if !updated {
		s.logger.Warn("本人確認セッションに対応する借り手がいません",
			slog.String("event_id", event.ID),
			slog.String("session_id", obj.ID),
		)
		return nil
	}

	s.logger.Info("本人確認状態を反映しました",
		slog.String("session_id", obj.ID),
		slog.String("identity_status", string(status)),
	)
	return nil
}
