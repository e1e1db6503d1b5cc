package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 呼び出し元に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, not_found, conflict, auth, provider, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryAuth       = "auth"
	CategoryProvider   = "provider"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidTerm         = "INVALID_TERM"
	ErrCodeInvalidAmount       = "INVALID_AMOUNT"
	ErrCodeInvalidVIN          = "INVALID_VIN"
	ErrCodeInvalidPayload      = "INVALID_WEBHOOK_PAYLOAD"
	ErrCodeLoanNotFound        = "LOAN_NOT_FOUND"
	ErrCodeBorrowerNotFound    = "BORROWER_NOT_FOUND"
	ErrCodeEnvelopeNotFound    = "ENVELOPE_NOT_FOUND"
	ErrCodeAlreadySigned       = "ALL_SIGNATURES_RECORDED"
	ErrCodeSigningConflict     = "SIGNING_STAGE_CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_LOAN_TRANSITION"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidSignature    = "INVALID_WEBHOOK_SIGNATURE"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"
	ErrCodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ErrCodeRequestInProgress   = "REQUEST_IN_PROGRESS"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// IsCategory はerrがAPIErrorでカテゴリが一致するかを返す。
func IsCategory(err error, category string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(code, message string) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Check the request and try again.",
	}
}

// NewInvalidTermError は許可されていない返済期間のエラーを生成する。
func NewInvalidTermError(weeks int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTerm,
		Message:  fmt.Sprintf("term of %d weeks is not offered", weeks),
		Category: CategoryValidation,
		Action:   "Choose a term of 4, 6, 8, 12 or 16 weeks.",
	}
}

// NewInvalidAmountError は元本が不正な場合のエラーを生成する。
func NewInvalidAmountError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAmount,
		Message:  "loan amount must be greater than zero",
		Category: CategoryValidation,
		Action:   "Enter a positive loan amount.",
	}
}

// NewLoanNotFoundError はローン未検出エラーを生成する。
func NewLoanNotFoundError(loanID string) *APIError {
	return &APIError{
		Code:     ErrCodeLoanNotFound,
		Message:  fmt.Sprintf("loan not found: %s", loanID),
		Category: CategoryNotFound,
		Action:   "Check the loan ID.",
	}
}

// NewBorrowerNotFoundError は借り手未検出エラーを生成する。
func NewBorrowerNotFoundError(borrowerID string) *APIError {
	return &APIError{
		Code:     ErrCodeBorrowerNotFound,
		Message:  fmt.Sprintf("borrower not found: %s", borrowerID),
		Category: CategoryNotFound,
		Action:   "Check the borrower ID.",
	}
}

// NewEnvelopeNotFoundError は封筒IDに対応するローンがない場合のエラーを生成する。
func NewEnvelopeNotFoundError(envelopeID string) *APIError {
	return &APIError{
		Code:     ErrCodeEnvelopeNotFound,
		Message:  fmt.Sprintf("no loan is linked to envelope %s", envelopeID),
		Category: CategoryNotFound,
		Action:   "The provider will retry delivery.",
	}
}

// NewAllSignaturesRecordedError は署名済みローンへの署名完了イベントのエラーを生成する。
func NewAllSignaturesRecordedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadySigned,
		Message:  "all signatures already recorded",
		Category: CategoryConflict,
		Action:   "No further signing is required for this loan.",
	}
}

// NewSigningConflictError は署名段階が同時に更新された場合のエラーを生成する。
func NewSigningConflictError(stage string) *APIError {
	return &APIError{
		Code:     ErrCodeSigningConflict,
		Message:  fmt.Sprintf("signing stage %s was already completed", stage),
		Category: CategoryConflict,
		Action:   "Reload the loan and retry.",
	}
}

// NewInvalidTransitionError は現在の状態から許可されない遷移のエラーを生成する。
func NewInvalidTransitionError(from LoanStatus, action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("cannot %s a loan in status %s", action, from),
		Category: CategoryConflict,
		Action:   "Check the loan status.",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "authentication required",
		Category: CategoryAuth,
		Action:   "Sign in and retry.",
	}
}

// NewForbiddenError は他人のリソースへのアクセスエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "access to this resource is not allowed",
		Category: CategoryAuth,
		Action:   "Use an account that owns the resource.",
	}
}

// NewInvalidSignatureError はWebhook署名検証の失敗エラーを生成する。
func NewInvalidSignatureError(source string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  fmt.Sprintf("%s webhook signature verification failed", source),
		Category: CategoryAuth,
		Action:   "Check the webhook signing secret.",
	}
}

// NewProviderError は外部プロバイダー呼び出しの失敗を汎用エラーとして生成する。
// 詳細はログにのみ残す。
func NewProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("%s request failed", provider),
		Category: CategoryProvider,
		Action:   "Wait a moment and try again.",
	}
}

// NewIdempotencyConflictError は同じキーで異なるリクエストが送られた場合のエラーを生成する。
func NewIdempotencyConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeIdempotencyConflict,
		Message:  "idempotency key was reused with a different request",
		Category: CategoryConflict,
		Action:   "Use a new Idempotency-Key for a different request.",
	}
}

// NewRequestInProgressError は同じキーのリクエストが処理中の場合のエラーを生成する。
func NewRequestInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestInProgress,
		Message:  "a request with this idempotency key is still in progress",
		Category: CategoryConflict,
		Action:   "Wait for the first request to finish, then retry.",
	}
}

// NewRateLimitedError はレート制限超過時のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: CategorySystem,
		Action:   "Wait for the time given in Retry-After and retry.",
	}
}

// NewInternalError は詳細を含まない内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: CategorySystem,
		Action:   "Retry the request later.",
	}
}
