package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/loandesk/internal/loan"
	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/signing"
)

// --- モック定義 ---

// mockLoanService はLoanServiceInterfaceのモック実装。
type mockLoanService struct {
	quoteFn    func(amount string, termWeeks int) (*model.LoanCalculation, error)
	applyFn    func(ctx context.Context, userID string, in loan.ApplicationInput) (*model.Loan, error)
	getFn      func(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error)
	scheduleFn func(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error)
	fundFn     func(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*loan.FundResult, error)
}

func (m *mockLoanService) Quote(amount string, termWeeks int) (*model.LoanCalculation, error) {
	if m.quoteFn != nil {
		return m.quoteFn(amount, termWeeks)
	}
	return nil, nil
}

func (m *mockLoanService) Apply(ctx context.Context, userID string, in loan.ApplicationInput) (*model.Loan, error) {
	if m.applyFn != nil {
		return m.applyFn(ctx, userID, in)
	}
	return nil, nil
}

func (m *mockLoanService) Get(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
	if m.getFn != nil {
		return m.getFn(ctx, caller, loanID)
	}
	return nil, nil
}

func (m *mockLoanService) Schedule(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error) {
	if m.scheduleFn != nil {
		return m.scheduleFn(ctx, caller, loanID, start)
	}
	return nil, nil
}

func (m *mockLoanService) Fund(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*loan.FundResult, error) {
	if m.fundFn != nil {
		return m.fundFn(ctx, caller, loanID, start)
	}
	return nil, nil
}

// mockSigningService はSigningServiceInterfaceのモック実装。
type mockSigningService struct {
	startFn    func(ctx context.Context, caller model.Caller, loanID string) (*signing.StartResult, error)
	viewFn     func(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, signing.Party, error)
	completeFn func(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error)
}

func (m *mockSigningService) StartSigning(ctx context.Context, caller model.Caller, loanID string) (*signing.StartResult, error) {
	if m.startFn != nil {
		return m.startFn(ctx, caller, loanID)
	}
	return nil, nil
}

func (m *mockSigningService) SigningView(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, signing.Party, error) {
	if m.viewFn != nil {
		return m.viewFn(ctx, caller, loanID, returnURL)
	}
	return "", "", nil
}

func (m *mockSigningService) CompleteSignature(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, caller, loanID)
	}
	return nil, nil
}

func sampleLoan() *model.Loan {
	created := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	return &model.Loan{
		ID:             "loan-1",
		BorrowerID:     "b-1",
		OrganizationID: "org-1",
		Amount:         decimal.NewFromInt(1000),
		TermWeeks:      4,
		AnnualRate:     decimal.RequireFromString("0.30"),
		WeeklyPayment:  decimal.RequireFromString("253.62"),
		Status:         model.LoanStatusApplicationSubmitted,
		VehicleVIN:     "1HGCM82633A004352",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

// --- POST /api/loans/quote テスト ---

func TestLoanHandler_Quote_Success(t *testing.T) {
	svc := &mockLoanService{
		quoteFn: func(amount string, termWeeks int) (*model.LoanCalculation, error) {
			if amount != "1000" || termWeeks != 4 {
				t.Errorf("args = %q/%d", amount, termWeeks)
			}
			return &model.LoanCalculation{
				Principal:     decimal.NewFromInt(1000),
				TermWeeks:     4,
				WeeklyPayment: decimal.RequireFromString("253.62"),
			}, nil
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/quote", strings.NewReader(`{"amount":"1000","term_weeks":4}`))
	w := httptest.NewRecorder()
	h.Quote(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["weekly_payment"] != "253.62" {
		t.Errorf("weekly_payment = %v, want \"253.62\"", body["weekly_payment"])
	}
}

func TestLoanHandler_Quote_InvalidTerm(t *testing.T) {
	svc := &mockLoanService{
		quoteFn: func(amount string, termWeeks int) (*model.LoanCalculation, error) {
			return nil, model.NewInvalidTermError(termWeeks)
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/quote", strings.NewReader(`{"amount":"1000","term_weeks":5}`))
	w := httptest.NewRecorder()
	h.Quote(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidTerm {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidTerm)
	}
}

func TestLoanHandler_Quote_MalformedJSON(t *testing.T) {
	h := NewLoanHandler(&mockLoanService{}, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/quote", strings.NewReader(`{"amount":`))
	w := httptest.NewRecorder()
	h.Quote(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /api/loans テスト ---

func TestLoanHandler_CreateLoan_Success(t *testing.T) {
	svc := &mockLoanService{
		applyFn: func(ctx context.Context, userID string, in loan.ApplicationInput) (*model.Loan, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			if in.OrganizationID != "org-1" || in.Borrower.Email != "ada@example.com" {
				t.Errorf("input = %+v", in)
			}
			return sampleLoan(), nil
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, nil)

	body := `{"organization_id":"org-1","amount":"1000","term_weeks":4,"borrower":{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(body))
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()
	h.CreateLoan(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got["id"] != "loan-1" || got["status"] != "application_submitted" {
		t.Errorf("response = %v", got)
	}
	if got["status_label"] != "Application Submitted" {
		t.Errorf("status_label = %v", got["status_label"])
	}
	if got["amount"] != "1000" {
		t.Errorf("amount = %v, want \"1000\"", got["amount"])
	}
}

func TestLoanHandler_CreateLoan_Unauthorized(t *testing.T) {
	h := NewLoanHandler(&mockLoanService{}, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.CreateLoan(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestLoanHandler_CreateLoan_InternalError(t *testing.T) {
	svc := &mockLoanService{
		applyFn: func(ctx context.Context, userID string, in loan.ApplicationInput) (*model.Loan, error) {
			return nil, errors.New("connection refused")
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{}`))
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()
	h.CreateLoan(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := parseAPIErrorResponse(t, w)
	if strings.Contains(body["message"], "connection refused") {
		t.Error("内部エラーの詳細をレスポンスに含めないべき")
	}
}

// --- GET /api/loans/{id} テスト ---

func TestLoanHandler_GetLoan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"取得成功", nil, http.StatusOK},
		{"存在しない", model.NewLoanNotFoundError("loan-x"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLoanService{
				getFn: func(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return sampleLoan(), nil
				},
			}
			h := NewLoanHandler(svc, &mockSigningService{}, nil)

			req := httptest.NewRequest(http.MethodGet, "/api/loans/loan-1", nil)
			req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
			w := httptest.NewRecorder()
			h.GetLoan(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- GET /api/loans/{id}/schedule テスト ---

func TestLoanHandler_GetSchedule_ParsesStart(t *testing.T) {
	var gotStart time.Time
	svc := &mockLoanService{
		scheduleFn: func(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error) {
			gotStart = start
			return []model.ScheduleEntry{{PaymentNumber: 1, DueDate: start.AddDate(0, 0, 7)}}, nil
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/loans/loan-1/schedule?start=2024-01-01", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.GetSchedule(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !gotStart.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", gotStart)
	}
	var entries []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestLoanHandler_GetSchedule_InvalidStart(t *testing.T) {
	h := NewLoanHandler(&mockLoanService{}, &mockSigningService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/loans/loan-1/schedule?start=01/02/2024", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.GetSchedule(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- 署名フロー テスト ---

func TestLoanHandler_StartSigning_InvalidTransition(t *testing.T) {
	sig := &mockSigningService{
		startFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.StartResult, error) {
			return nil, model.NewInvalidTransitionError(model.LoanStatusFunded, "start signing for")
		},
	}
	h := NewLoanHandler(&mockLoanService{}, sig, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/loan-1/signing", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.StartSigning(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestLoanHandler_SigningView_PassesReturnURL(t *testing.T) {
	sig := &mockSigningService{
		viewFn: func(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, signing.Party, error) {
			if returnURL != "https://app.example/done" {
				t.Errorf("returnURL = %q", returnURL)
			}
			return "https://sign.example/view", signing.PartyOrganization, nil
		},
	}
	h := NewLoanHandler(&mockLoanService{}, sig, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/loans/loan-1/signing/view?return_url=https://app.example/done", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.SigningView(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["url"] != "https://sign.example/view" || body["party"] != "organization" {
		t.Errorf("body = %v", body)
	}
}

func TestLoanHandler_CompleteSignature(t *testing.T) {
	signedAt := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	sig := &mockSigningService{
		completeFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error) {
			return &signing.Transition{
				From:     signing.StageAwaitingOrganization,
				Party:    signing.PartyOrganization,
				SignedAt: signedAt,
				Status:   model.LoanStatusDealerApproved,
			}, nil
		},
	}
	h := NewLoanHandler(&mockLoanService{}, sig, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/loan-1/signing/complete", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.CompleteSignature(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body signatureResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.LoanID != "loan-1" || body.Party != "organization" || body.LoanStatus != "dealer_approved" {
		t.Errorf("body = %+v", body)
	}
}

func TestLoanHandler_CompleteSignature_Conflict(t *testing.T) {
	sig := &mockSigningService{
		completeFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error) {
			return nil, model.NewAllSignaturesRecordedError()
		},
	}
	h := NewLoanHandler(&mockLoanService{}, sig, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/loans/loan-1/signing/complete", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-123")
	w := httptest.NewRecorder()
	h.CompleteSignature(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// --- 権限 テスト ---

func TestLoanHandler_PassesCaller(t *testing.T) {
	var got model.Caller
	svc := &mockLoanService{
		getFn: func(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
			got = caller
			return sampleLoan(), nil
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, []string{"ops-1"})

	tests := []struct {
		name     string
		userID   string
		operator bool
	}{
		{"運営者", "ops-1", true},
		{"一般ユーザー", "user-123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/loans/loan-1", nil)
			req = withUser(withChiURLParam(req, "id", "loan-1"), tt.userID, tt.userID+"@example.com")
			w := httptest.NewRecorder()
			h.GetLoan(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if got.UserID != tt.userID || got.Email != tt.userID+"@example.com" || got.Operator != tt.operator {
				t.Errorf("caller = %+v", got)
			}
		})
	}
}

func TestLoanHandler_Forbidden(t *testing.T) {
	forbidden := model.NewForbiddenError()
	svc := &mockLoanService{
		getFn: func(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
			return nil, forbidden
		},
		scheduleFn: func(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error) {
			return nil, forbidden
		},
		fundFn: func(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*loan.FundResult, error) {
			return nil, forbidden
		},
	}
	sig := &mockSigningService{
		startFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.StartResult, error) {
			return nil, forbidden
		},
		viewFn: func(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, signing.Party, error) {
			return "", "", forbidden
		},
		completeFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error) {
			return nil, forbidden
		},
	}
	h := NewLoanHandler(svc, sig, nil)

	tests := []struct {
		name    string
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{"ローン取得", http.MethodGet, "/api/loans/loan-1", h.GetLoan},
		{"返済スケジュール", http.MethodGet, "/api/loans/loan-1/schedule", h.GetSchedule},
		{"融資実行", http.MethodPost, "/api/loans/loan-1/fund", h.Fund},
		{"署名開始", http.MethodPost, "/api/loans/loan-1/signing", h.StartSigning},
		{"署名画面", http.MethodGet, "/api/loans/loan-1/signing/view", h.SigningView},
		{"署名完了", http.MethodPost, "/api/loans/loan-1/signing/complete", h.CompleteSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req = withUserID(withChiURLParam(req, "id", "loan-1"), "user-999")
			w := httptest.NewRecorder()
			tt.handler(w, req)

			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeForbidden {
				t.Errorf("code = %q, want %q", body["code"], model.ErrCodeForbidden)
			}
		})
	}
}

func TestLoanHandler_RequiresAuthenticatedCaller(t *testing.T) {
	called := false
	svc := &mockLoanService{
		getFn: func(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
			called = true
			return sampleLoan(), nil
		},
	}
	sig := &mockSigningService{
		completeFn: func(ctx context.Context, caller model.Caller, loanID string) (*signing.Transition, error) {
			called = true
			return &signing.Transition{}, nil
		},
	}
	h := NewLoanHandler(svc, sig, nil)

	for _, handler := range []http.HandlerFunc{h.GetLoan, h.CompleteSignature, h.Fund} {
		req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/loans/loan-1", nil), "id", "loan-1")
		w := httptest.NewRecorder()
		handler(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	}
	if called {
		t.Error("未認証の呼び出しでサービスを呼ばないべき")
	}
}

// --- POST /api/loans/{id}/fund テスト ---

func TestLoanHandler_Fund_Success(t *testing.T) {
	var gotStart time.Time
	svc := &mockLoanService{
		fundFn: func(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*loan.FundResult, error) {
			if !caller.Operator || loanID != "loan-1" {
				t.Errorf("caller=%+v loanID=%q", caller, loanID)
			}
			gotStart = start
			return &loan.FundResult{LoanID: loanID, Status: model.LoanStatusFunded, InvoiceIDs: []string{"in_1", "in_2"}}, nil
		},
	}
	h := NewLoanHandler(svc, &mockSigningService{}, []string{"ops-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/loans/loan-1/fund?start=2024-03-11", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "ops-1")
	w := httptest.NewRecorder()
	h.Fund(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !gotStart.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", gotStart)
	}
	var body loan.FundResult
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != model.LoanStatusFunded || len(body.InvoiceIDs) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestLoanHandler_Fund_InvalidStart(t *testing.T) {
	h := NewLoanHandler(&mockLoanService{}, &mockSigningService{}, []string{"ops-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/loans/loan-1/fund?start=tomorrow", nil)
	req = withUserID(withChiURLParam(req, "id", "loan-1"), "ops-1")
	w := httptest.NewRecorder()
	h.Fund(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
