package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/repository"
)

// LoanStore はReconcilerが使用するローンリポジトリの部分集合。
type LoanStore interface {
	FindByEnvelopeID(ctx context.Context, envelopeID string) (*model.Loan, error)
	ApplyEnvelopeUpdate(ctx context.Context, update repository.EnvelopeUpdate) error
}

// Result は1件の通知を反映した結果。
type Result struct {
	LoanID     string
	Status     Status
	LoanStatus model.LoanStatus // 空文字の場合は変更なし
}

// Reconciler は封筒ステータス通知をローンに反映する。
type Reconciler struct {
	loans  LoanStore
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(loans LoanStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		loans:  loans,
		logger: logger,
		now:    time.Now,
	}
}

// LoanStatusEffect は封筒ステータスがローン状態に与える影響を返す。
// 融資実行以降のローンは巻き戻さない。影響がない場合は空文字を返す。
func LoanStatusEffect(status Status, current model.LoanStatus) model.LoanStatus {
	if current.IsPostSigning() {
		return ""
	}
	switch status {
	case StatusSigned:
		return model.LoanStatusFullySigned
	case StatusDeclined, StatusVoided:
		return model.LoanStatusReview
	}
	return ""
}

// Apply は通知ペイロードをパースし、対応するローンに封筒ステータスを書き込む。
// 同じペイロードを再送しても最終状態は変わらない。
func (r *Reconciler) Apply(ctx context.Context, payload []byte) (*Result, error) {
	event, err := ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	status := Normalize(event.RawStatus)

	loan, err := r.loans.FindByEnvelopeID(ctx, event.EnvelopeID)
	if err != nil {
		return nil, fmt.Errorf("封筒に対応するローンの取得に失敗しました: %w", err)
	}
	if loan == nil {
		return nil, model.NewEnvelopeNotFoundError(event.EnvelopeID)
	}

	update := repository.EnvelopeUpdate{
		LoanID:         loan.ID,
		EnvelopeStatus: string(status),
		OccurredAt:     event.OccurredAt,
		CompletedAt:    event.CompletedAt,
		LoanStatus:     LoanStatusEffect(status, loan.Status),
	}
	if update.LoanStatus == model.LoanStatusFullySigned {
		update.SignaturesAt = r.signaturesAt(event)
	}
	if err := r.loans.ApplyEnvelopeUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("封筒ステータスの反映に失敗しました: %w", err)
	}

	r.logger.Info("封筒ステータスを反映しました",
		slog.String("loan_id", loan.ID),
		slog.String("envelope_id", event.EnvelopeID),
		slog.String("envelope_status", string(status)),
		slog.String("loan_status", string(update.LoanStatus)),
	)

	return &Result{LoanID: loan.ID, Status: status, LoanStatus: update.LoanStatus}, nil
}

// signaturesAt は封筒完了時に未署名のタイムスタンプを埋める日時を返す。
// 完了日時、通知の発生日時、現在時刻の順に採用する。
func (r *Reconciler) signaturesAt(event Event) *time.Time {
	switch {
	case event.CompletedAt != nil:
		return event.CompletedAt
	case event.OccurredAt != nil:
		return event.OccurredAt
	}
	now := r.now().UTC()
	return &now
}
