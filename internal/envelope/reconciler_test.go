package envelope

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// memoryLoanStore はApplyEnvelopeUpdateをメモリ上のローンに反映するモック。
// updated_at の扱いはPostgresLoanRepoのUPDATEと同じく、発生日時があればそれを、
// なければ値が変わったときだけnowを書き込む。
type memoryLoanStore struct {
	loans    map[string]*model.Loan // envelope_id -> loan
	applied  []repository.EnvelopeUpdate
	findErr  error
	applyErr error
	now      func() time.Time
}

func (m *memoryLoanStore) FindByEnvelopeID(ctx context.Context, envelopeID string) (*model.Loan, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	loan, ok := m.loans[envelopeID]
	if !ok {
		return nil, nil
	}
	copied := *loan
	return &copied, nil
}

func (m *memoryLoanStore) ApplyEnvelopeUpdate(ctx context.Context, update repository.EnvelopeUpdate) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, update)
	for _, loan := range m.loans {
		if loan.ID != update.LoanID {
			continue
		}
		changed := loan.EnvelopeStatus != update.EnvelopeStatus ||
			(update.CompletedAt != nil && (loan.EnvelopeCompletedAt == nil || !loan.EnvelopeCompletedAt.Equal(*update.CompletedAt))) ||
			(update.LoanStatus != "" && loan.Status != update.LoanStatus) ||
			(update.SignaturesAt != nil && loan.BorrowerSignedAt == nil)

		switch {
		case update.OccurredAt != nil:
			loan.UpdatedAt = *update.OccurredAt
		case changed:
			loan.UpdatedAt = m.now()
		}
		loan.EnvelopeStatus = update.EnvelopeStatus
		if update.CompletedAt != nil {
			loan.EnvelopeCompletedAt = update.CompletedAt
		}
		if update.LoanStatus != "" {
			loan.Status = update.LoanStatus
		}
		if update.SignaturesAt != nil {
			for _, stamp := range []**time.Time{&loan.IpaySignedAt, &loan.OrganizationSignedAt, &loan.BorrowerSignedAt} {
				if *stamp == nil {
					at := *update.SignaturesAt
					*stamp = &at
				}
			}
		}
	}
	return nil
}

var storeNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(status model.LoanStatus) *memoryLoanStore {
	return &memoryLoanStore{
		loans: map[string]*model.Loan{
			"env-1": {ID: "loan-1", EnvelopeID: "env-1", Status: status},
		},
		now: func() time.Time { return storeNow },
	}
}

func newTestReconciler(store LoanStore, buf *bytes.Buffer) *Reconciler {
	r := NewReconciler(store, newTestLogger(buf))
	r.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return r
}

func TestParseEvent_NestedShape(t *testing.T) {
	payload := []byte(`{
		"event": "envelope-completed",
		"generatedDateTime": "2024-02-10T12:30:00.1234567Z",
		"data": {
			"envelopeId": "env-1",
			"envelopeSummary": {"status": "completed", "completedDateTime": "2024-02-10T12:29:00Z"}
		}
	}`)

	event, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent がエラーを返した: %v", err)
	}
	if event.EnvelopeID != "env-1" || event.RawStatus != "completed" {
		t.Errorf("event = %+v", event)
	}
	if event.CompletedAt == nil || !event.CompletedAt.Equal(time.Date(2024, 2, 10, 12, 29, 0, 0, time.UTC)) {
		t.Errorf("CompletedAt = %v", event.CompletedAt)
	}
	if event.OccurredAt == nil {
		t.Error("OccurredAt が設定されるべき")
	}
}

func TestParseEvent_FlatShape(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		status  string
	}{
		{"status", `{"envelopeId":"env-1","status":"Declined"}`, "Declined"},
		{"envelopeStatus", `{"envelopeId":"env-1","envelopeStatus":"voided","statusChangedDateTime":"2024-02-10T00:00:00Z"}`, "voided"},
		{"status優先", `{"envelopeId":"env-1","status":"sent","envelopeStatus":"voided"}`, "sent"},
		{"dataが文字列", `{"data":"ping","envelopeId":"env-1","status":"completed"}`, "completed"},
		{"data内のenvelopeIdが数値", `{"data":{"envelopeId":42},"envelopeId":"env-1","status":"completed"}`, "completed"},
		{"data内にstatusなし", `{"data":{"envelopeId":"env-9"},"envelopeId":"env-1","status":"completed"}`, "completed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseEvent([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseEvent がエラーを返した: %v", err)
			}
			if event.EnvelopeID != "env-1" || event.RawStatus != tt.status {
				t.Errorf("event = %+v, want status %q", event, tt.status)
			}
		})
	}
}

func TestParseEvent_FormatError(t *testing.T) {
	payloads := []string{
		`not json`,
		`{}`,
		`{"data":{"envelopeId":"env-1"}}`,
		`{"envelopeId":"env-1"}`,
		`{"status":"completed"}`,
		`[]`,
	}
	for _, p := range payloads {
		_, err := ParseEvent([]byte(p))
		var formatErr *FormatError
		if !errors.As(err, &formatErr) {
			t.Errorf("ParseEvent(%s) のエラー = %v, want *FormatError", p, err)
			continue
		}
		if !model.IsCategory(err, model.CategoryValidation) {
			t.Errorf("ParseEvent(%s) は validation カテゴリであるべき", p)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]Status{
		"completed": StatusSigned,
		"Completed": StatusSigned,
		"SIGNED":    StatusSigned,
		"declined":  StatusDeclined,
		"Voided":    StatusVoided,
		"sent":      StatusSent,
		"delivered": StatusDelivered,
		"Corrected": Status("corrected"),
	}
	for raw, want := range tests {
		if got := Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestLoanStatusEffect(t *testing.T) {
	tests := []struct {
		status  Status
		current model.LoanStatus
		want    model.LoanStatus
	}{
		{StatusSigned, model.LoanStatusDealerApproved, model.LoanStatusFullySigned},
		{StatusDeclined, model.LoanStatusPendingSignature, model.LoanStatusReview},
		{StatusVoided, model.LoanStatusPendingSignature, model.LoanStatusReview},
		{StatusSent, model.LoanStatusPendingSignature, ""},
		{StatusDelivered, model.LoanStatusPendingSignature, ""},
		{Status("corrected"), model.LoanStatusPendingSignature, ""},
		{StatusSigned, model.LoanStatusFunded, ""},
		{StatusVoided, model.LoanStatusActive, ""},
		{StatusDeclined, model.LoanStatusClosed, ""},
	}
	for _, tt := range tests {
		if got := LoanStatusEffect(tt.status, tt.current); got != tt.want {
			t.Errorf("LoanStatusEffect(%q, %q) = %q, want %q", tt.status, tt.current, got, tt.want)
		}
	}
}

func TestReconciler_Apply_Signed(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusDealerApproved)
	r := newTestReconciler(store, &buf)

	payload := []byte(`{"envelopeId":"env-1","status":"completed","completedDateTime":"2024-02-10T12:29:00Z"}`)
	result, err := r.Apply(context.Background(), payload)
	if err != nil {
		t.Fatalf("Apply がエラーを返した: %v", err)
	}
	if result.LoanStatus != model.LoanStatusFullySigned {
		t.Errorf("LoanStatus = %q, want fully_signed", result.LoanStatus)
	}

	loan := store.loans["env-1"]
	if loan.Status != model.LoanStatusFullySigned {
		t.Errorf("ローン状態 = %q, want fully_signed", loan.Status)
	}
	if loan.EnvelopeStatus != "signed" {
		t.Errorf("EnvelopeStatus = %q, want signed", loan.EnvelopeStatus)
	}
	if loan.EnvelopeCompletedAt == nil {
		t.Error("EnvelopeCompletedAt が設定されるべき")
	}
	// 通知に発生日時がない場合は現在時刻を使う
	if !loan.UpdatedAt.Equal(storeNow) {
		t.Errorf("UpdatedAt = %v", loan.UpdatedAt)
	}
}

func TestReconciler_Apply_SignedFillsMissingStamps(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	ipayAt := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	store.loans["env-1"].IpaySignedAt = &ipayAt
	r := newTestReconciler(store, &buf)

	payload := []byte(`{"envelopeId":"env-1","status":"completed","completedDateTime":"2024-02-10T12:29:00Z"}`)
	if _, err := r.Apply(context.Background(), payload); err != nil {
		t.Fatalf("Apply がエラーを返した: %v", err)
	}

	completedAt := time.Date(2024, 2, 10, 12, 29, 0, 0, time.UTC)
	update := store.applied[0]
	if update.SignaturesAt == nil || !update.SignaturesAt.Equal(completedAt) {
		t.Fatalf("SignaturesAt = %v, want %v", update.SignaturesAt, completedAt)
	}

	loan := store.loans["env-1"]
	if !loan.IpaySignedAt.Equal(ipayAt) {
		t.Errorf("記録済みのipay署名は上書きしないべき: %v", loan.IpaySignedAt)
	}
	if loan.OrganizationSignedAt == nil || !loan.OrganizationSignedAt.Equal(completedAt) {
		t.Errorf("OrganizationSignedAt = %v, want %v", loan.OrganizationSignedAt, completedAt)
	}
	if loan.BorrowerSignedAt == nil || !loan.BorrowerSignedAt.Equal(completedAt) {
		t.Errorf("BorrowerSignedAt = %v, want %v", loan.BorrowerSignedAt, completedAt)
	}
	if loan.Status != model.LoanStatusFullySigned {
		t.Errorf("ローン状態 = %q, want fully_signed", loan.Status)
	}
}

func TestReconciler_Apply_NonTerminalStatusLeavesStamps(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	r := newTestReconciler(store, &buf)

	for _, payload := range []string{
		`{"envelopeId":"env-1","status":"delivered"}`,
		`{"envelopeId":"env-1","status":"declined"}`,
	} {
		if _, err := r.Apply(context.Background(), []byte(payload)); err != nil {
			t.Fatalf("Apply(%s) がエラーを返した: %v", payload, err)
		}
	}
	for _, update := range store.applied {
		if update.SignaturesAt != nil {
			t.Errorf("署名完了以外でSignaturesAtを設定するべきではない: %+v", update)
		}
	}
	if loan := store.loans["env-1"]; loan.BorrowerSignedAt != nil {
		t.Errorf("BorrowerSignedAt = %v, want nil", loan.BorrowerSignedAt)
	}
}

func TestReconciler_Apply_ReplayWithoutTimestampKeepsUpdatedAt(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	r := newTestReconciler(store, &buf)

	payload := []byte(`{"envelopeId":"env-1","status":"voided"}`)
	if _, err := r.Apply(context.Background(), payload); err != nil {
		t.Fatalf("1回目の Apply がエラーを返した: %v", err)
	}
	first := *store.loans["env-1"]
	if !first.UpdatedAt.Equal(storeNow) {
		t.Fatalf("1回目の UpdatedAt = %v, want %v", first.UpdatedAt, storeNow)
	}

	later := storeNow.Add(24 * time.Hour)
	store.now = func() time.Time { return later }
	r.now = func() time.Time { return later }
	if _, err := r.Apply(context.Background(), payload); err != nil {
		t.Fatalf("2回目の Apply がエラーを返した: %v", err)
	}
	second := *store.loans["env-1"]

	if update := store.applied[1]; update.OccurredAt != nil {
		t.Errorf("発生日時のない通知でOccurredAtを設定するべきではない: %v", update.OccurredAt)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("再送でUpdatedAtが変わった: first=%v second=%v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.Status != first.Status || second.EnvelopeStatus != first.EnvelopeStatus {
		t.Errorf("再送で最終状態が変わった: first=%+v second=%+v", first, second)
	}
}

func TestReconciler_Apply_ReplayIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	r := newTestReconciler(store, &buf)

	payload := []byte(`{"generatedDateTime":"2024-02-10T12:30:00Z","data":{"envelopeId":"env-1","envelopeSummary":{"status":"voided"}}}`)

	if _, err := r.Apply(context.Background(), payload); err != nil {
		t.Fatalf("1回目の Apply がエラーを返した: %v", err)
	}
	first := *store.loans["env-1"]

	r.now = func() time.Time { return time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := r.Apply(context.Background(), payload); err != nil {
		t.Fatalf("2回目の Apply がエラーを返した: %v", err)
	}
	second := *store.loans["env-1"]

	if first.Status != second.Status || first.EnvelopeStatus != second.EnvelopeStatus || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("再送で最終状態が変わった: first=%+v second=%+v", first, second)
	}
	if second.Status != model.LoanStatusReview {
		t.Errorf("ローン状態 = %q, want review", second.Status)
	}
	if len(store.applied) != 2 {
		t.Errorf("更新回数 = %d, want 2", len(store.applied))
	}
}

func TestReconciler_Apply_PostSigningLoanKeepsStatus(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusFunded)
	r := newTestReconciler(store, &buf)

	if _, err := r.Apply(context.Background(), []byte(`{"envelopeId":"env-1","status":"voided"}`)); err != nil {
		t.Fatalf("Apply がエラーを返した: %v", err)
	}
	loan := store.loans["env-1"]
	if loan.Status != model.LoanStatusFunded {
		t.Errorf("ローン状態 = %q, want funded", loan.Status)
	}
	if loan.EnvelopeStatus != "voided" {
		t.Errorf("EnvelopeStatus = %q, want voided", loan.EnvelopeStatus)
	}
}

func TestReconciler_Apply_UnknownEnvelope(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	r := newTestReconciler(store, &buf)

	_, err := r.Apply(context.Background(), []byte(`{"envelopeId":"env-404","status":"sent"}`))
	if !model.IsCategory(err, model.CategoryNotFound) {
		t.Fatalf("エラー = %v, want not_found", err)
	}
	if len(store.applied) != 0 {
		t.Error("未知の封筒では更新しないべき")
	}
}

func TestReconciler_Apply_StoreFailure(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(model.LoanStatusPendingSignature)
	store.applyErr = errors.New("connection reset")
	r := newTestReconciler(store, &buf)

	_, err := r.Apply(context.Background(), []byte(`{"envelopeId":"env-1","status":"sent"}`))
	if err == nil {
		t.Fatal("更新失敗時はエラーを返すべき")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("内部エラーはAPIErrorであるべきではない: %v", apiErr)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"envelopeId":"env-1","status":"sent"}`)
	sig := Sign("secret", body)

	if !VerifySignature("secret", body, sig) {
		t.Error("正しい署名は検証に成功するべき")
	}
	if VerifySignature("other", body, sig) {
		t.Error("異なる鍵の署名は検証に失敗するべき")
	}
	if VerifySignature("secret", append(body, ' '), sig) {
		t.Error("改ざんされたボディは検証に失敗するべき")
	}
	if VerifySignature("secret", body, "") {
		t.Error("署名なしは検証に失敗するべき")
	}
}
