package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/loandesk/internal/loan"
	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/signing"
)

// LoanServiceInterface はローンハンドラーが必要とするサービスインターフェース。
type LoanServiceInterface interface {
	// Quote は永続化せずに返済額を計算する。
	Quote(amount string, termWeeks int) (*model.LoanCalculation, error)
	// Apply はローン申込を受け付ける。
	Apply(ctx context.Context, userID string, in loan.ApplicationInput) (*model.Loan, error)
	// Get はローンを取得する。借り手本人と運営者のみ参照できる。
	Get(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error)
	// Schedule は返済スケジュールを返す。
	Schedule(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error)
	// Fund は署名完了済みのローンを融資実行し、返済請求書を発行する。
	Fund(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*loan.FundResult, error)
}

// SigningServiceInterface は署名フローのサービスインターフェース。
type SigningServiceInterface interface {
	StartSigning(ctx context.Context, caller model.Caller, loanID string) (*signing.StartResult, error)
	SigningView(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, signing.Party, error)
	CompleteSignature(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error)
}

// LoanHandler はローン関連のHTTPハンドラー。
type LoanHandler struct {
	loans     LoanServiceInterface
	signing   SigningServiceInterface
	operators map[string]bool
}

// NewLoanHandler はLoanHandlerを生成する。operatorIDsは運営者として扱うユーザーID。
func NewLoanHandler(loans LoanServiceInterface, signing SigningServiceInterface, operatorIDs []string) *LoanHandler {
	operators := make(map[string]bool, len(operatorIDs))
	for _, id := range operatorIDs {
		operators[id] = true
	}
	return &LoanHandler{
		loans:     loans,
		signing:   signing,
		operators: operators,
	}
}

// quoteRequest は見積もりリクエストのボディ。
type quoteRequest struct {
	Amount    string `json:"amount"`
	TermWeeks int    `json:"term_weeks"`
}

// loanResponse はローン情報のAPIレスポンス。
type loanResponse struct {
	ID                   string          `json:"id"`
	BorrowerID           string          `json:"borrower_id"`
	OrganizationID       string          `json:"organization_id"`
	Amount               decimal.Decimal `json:"amount"`
	TermWeeks            int             `json:"term_weeks"`
	AnnualRate           decimal.Decimal `json:"annual_rate"`
	WeeklyPayment        decimal.Decimal `json:"weekly_payment"`
	Status               string          `json:"status"`
	StatusLabel          string          `json:"status_label"`
	IpaySignedAt         *time.Time      `json:"ipay_signed_at,omitempty"`
	OrganizationSignedAt *time.Time      `json:"organization_signed_at,omitempty"`
	BorrowerSignedAt     *time.Time      `json:"borrower_signed_at,omitempty"`
	EnvelopeID           string          `json:"envelope_id,omitempty"`
	EnvelopeStatus       string          `json:"envelope_status,omitempty"`
	IsLate               bool            `json:"is_late"`
	DaysOverdue          int             `json:"days_overdue"`
	LastPaymentAt        *time.Time      `json:"last_payment_at,omitempty"`
	VehicleVIN           string          `json:"vehicle_vin,omitempty"`
	VehicleMake          string          `json:"vehicle_make,omitempty"`
	VehicleModel         string          `json:"vehicle_model,omitempty"`
	VehicleYear          string          `json:"vehicle_year,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func toLoanResponse(l *model.Loan) loanResponse {
	return loanResponse{
		ID:                   l.ID,
		BorrowerID:           l.BorrowerID,
		OrganizationID:       l.OrganizationID,
		Amount:               l.Amount,
		TermWeeks:            l.TermWeeks,
		AnnualRate:           l.AnnualRate,
		WeeklyPayment:        l.WeeklyPayment,
		Status:               string(l.Status),
		StatusLabel:          l.Status.DisplayLabel(),
		IpaySignedAt:         l.IpaySignedAt,
		OrganizationSignedAt: l.OrganizationSignedAt,
		BorrowerSignedAt:     l.BorrowerSignedAt,
		EnvelopeID:           l.EnvelopeID,
		EnvelopeStatus:       l.EnvelopeStatus,
		IsLate:               l.IsLate,
		DaysOverdue:          l.DaysOverdue,
		LastPaymentAt:        l.LastPaymentAt,
		VehicleVIN:           l.VehicleVIN,
		VehicleMake:          l.VehicleMake,
		VehicleModel:         l.VehicleModel,
		VehicleYear:          l.VehicleYear,
		Notes:                l.Notes,
		CreatedAt:            l.CreatedAt,
		UpdatedAt:            l.UpdatedAt,
	}
}

// signatureResponse は署名完了のAPIレスポンス。
type signatureResponse struct {
	LoanID     string    `json:"loan_id"`
	Party      string    `json:"party"`
	SignedAt   time.Time `json:"signed_at"`
	LoanStatus string    `json:"loan_status,omitempty"`
}

// Quote は返済額を見積もる。
// POST /api/loans/quote
func (h *LoanHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	calc, err := h.loans.Quote(req.Amount, req.TermWeeks)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// CreateLoan はローン申込を作成する。
// POST /api/loans
func (h *LoanHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var in loan.ApplicationInput
	if !decodeJSON(w, r, &in) {
		return
	}

	created, err := h.loans.Apply(r.Context(), userID, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanResponse(created))
}

// GetLoan はローンを取得する。
// GET /api/loans/{id}
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}

	l, err := h.loans.Get(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanResponse(l))
}

// GetSchedule は返済スケジュールを返す。startを省略した場合は当日（UTC）から計算する。
// GET /api/loans/{id}/schedule?start=YYYY-MM-DD
func (h *LoanHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}
	start, ok := parseStart(w, r)
	if !ok {
		return
	}

	entries, err := h.loans.Schedule(r.Context(), caller, chi.URLParam(r, "id"), start)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Fund はローンを融資実行し、返済スケジュールの請求書を発行する。運営者のみ。
// POST /api/loans/{id}/fund?start=YYYY-MM-DD
func (h *LoanHandler) Fund(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}
	start, ok := parseStart(w, r)
	if !ok {
		return
	}

	result, err := h.loans.Fund(r.Context(), caller, chi.URLParam(r, "id"), start)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseStart はクエリのstartを返す。省略時は当日（UTC）。不正な形式の場合は400を書き込んでfalseを返す。
func parseStart(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("start")
	if raw == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), true
	}
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError(model.ErrCodeInvalidRequest, "start must be formatted as YYYY-MM-DD"))
		return time.Time{}, false
	}
	return parsed, true
}

// StartSigning は署名封筒を作成して署名フローを開始する。
// POST /api/loans/{id}/signing
func (h *LoanHandler) StartSigning(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}

	result, err := h.signing.StartSigning(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// SigningView は次の署名者向けの署名画面URLを返す。
// GET /api/loans/{id}/signing/view?return_url=...
func (h *LoanHandler) SigningView(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}

	url, party, err := h.signing.SigningView(r.Context(), caller, chi.URLParam(r, "id"), r.URL.Query().Get("return_url"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":   url,
		"party": string(party),
	})
}

// CompleteSignature は現在の署名段階の完了を記録する。
// POST /api/loans/{id}/signing/complete
func (h *LoanHandler) CompleteSignature(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r, h.operators)
	if !ok {
		return
	}

	loanID := chi.URLParam(r, "id")
	tr, err := h.signing.CompleteSignature(r.Context(), caller, loanID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signatureResponse{
		LoanID:     loanID,
		Party:      string(tr.Party),
		SignedAt:   tr.SignedAt,
		LoanStatus: string(tr.Status),
	})
}
