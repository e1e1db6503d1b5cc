package model

import "time"

// IdentityStatus は本人確認（KYC）の進捗を表す。
type IdentityStatus string

const (
	IdentityStatusNone          IdentityStatus = "none"
	IdentityStatusPending       IdentityStatus = "pending"
	IdentityStatusVerified      IdentityStatus = "verified"
	IdentityStatusRequiresInput IdentityStatus = "requires_input"
	IdentityStatusCanceled      IdentityStatus = "canceled"
)

// Borrower は借り手を表す。UserIDは外部認証プロバイダーのsubject。
type Borrower struct {
	ID                string
	UserID            string
	FirstName         string
	LastName          string
	Email             string
	Phone             string
	PhoneVerifiedAt   *time.Time
	IdentityStatus    IdentityStatus
	IdentitySessionID string
	PaymentCustomerID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FullName は姓名を連結して返す。
func (b *Borrower) FullName() string {
	if b.LastName == "" {
		return b.FirstName
	}
	if b.FirstName == "" {
		return b.LastName
	}
	return b.FirstName + " " + b.LastName
}

// Organization は車両販売店などの提携組織を表す。
type Organization struct {
	ID         string
	Name       string
	OwnerName  string
	OwnerEmail string
	CreatedAt  time.Time
}

// Invoice は決済プロセッサ上の請求書を表す。永続化はしない。
type Invoice struct {
	ID         string
	CustomerID string
	Status     string
	DueDate    time.Time
	AmountDue  int64
	Metadata   map[string]string
}

// InvoiceStatusOpen は未払いの請求書ステータス。
const InvoiceStatusOpen = "open"

// DeadLetter は処理に失敗したWebhookイベントの記録。
type DeadLetter struct {
	ID        string
	Source    string
	EventID   string
	Payload   []byte
	Error     string
	CreatedAt time.Time
}

// Dead letterのイベント発生元。
const (
	DeadLetterSourceESign    = "esign"
	DeadLetterSourcePayments = "payments"
	DeadLetterSourceSMS      = "sms"
)
