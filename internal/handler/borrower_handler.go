package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/loandesk/internal/borrower"
	"github.com/hitoshi/loandesk/internal/payments"
	"github.com/hitoshi/loandesk/internal/sms"
)

// BorrowerServiceInterface は借り手ハンドラーが必要とするサービスインターフェース。
type BorrowerServiceInterface interface {
	StartIdentityVerification(ctx context.Context, userID, borrowerID, returnURL string) (*payments.IdentitySession, error)
	SetupPayment(ctx context.Context, userID, borrowerID string) (*borrower.PaymentSetup, error)
	SendPhoneCode(ctx context.Context, userID, borrowerID string) (*sms.Verification, error)
	CheckPhoneCode(ctx context.Context, userID, borrowerID, code string) (*borrower.PhoneCheck, error)
}

// BorrowerHandler は借り手の本人確認・支払い設定のHTTPハンドラー。
type BorrowerHandler struct {
	service BorrowerServiceInterface
}

// NewBorrowerHandler はBorrowerHandlerを生成する。
func NewBorrowerHandler(service BorrowerServiceInterface) *BorrowerHandler {
	return &BorrowerHandler{service: service}
}

type identityRequest struct {
	ReturnURL string `json:"return_url"`
}

type phoneCheckRequest struct {
	Code string `json:"code"`
}

// StartIdentity は本人確認セッションを作成する。ボディは省略可能。
// POST /api/borrowers/{id}/identity
func (h *BorrowerHandler) StartIdentity(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req identityRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	session, err := h.service.StartIdentityVerification(r.Context(), userID, chi.URLParam(r, "id"), req.ReturnURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// SetupPayment は支払い方法登録を開始する。
// POST /api/borrowers/{id}/payment-setup
func (h *BorrowerHandler) SetupPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	setup, err := h.service.SetupPayment(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

// SendPhoneCode は確認コードをSMSで送信する。
// POST /api/borrowers/{id}/phone/send
func (h *BorrowerHandler) SendPhoneCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	v, err := h.service.SendPhoneCode(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": v.Status})
}

// CheckPhoneCode は確認コードを照合する。
// POST /api/borrowers/{id}/phone/check
func (h *BorrowerHandler) CheckPhoneCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req phoneCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.CheckPhoneCode(r.Context(), userID, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
