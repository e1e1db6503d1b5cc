// Package model はドメインモデルを定義する。
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus はローンのライフサイクル上の状態を表す。
type LoanStatus string

const (
	LoanStatusNew                  LoanStatus = "new"
	LoanStatusApplicationSubmitted LoanStatus = "application_submitted"
	LoanStatusApplicationApproved  LoanStatus = "application_approved"
	LoanStatusPendingSignature     LoanStatus = "pending_signature"
	LoanStatusDealerApproved       LoanStatus = "dealer_approved"
	LoanStatusFullySigned          LoanStatus = "fully_signed"
	LoanStatusFunded               LoanStatus = "funded"
	LoanStatusActive               LoanStatus = "active"
	LoanStatusReview               LoanStatus = "review"
	LoanStatusClosed               LoanStatus = "closed"
	LoanStatusDefaulted            LoanStatus = "defaulted"
	LoanStatusDerogatory           LoanStatus = "derogatory"
)

var loanStatusLabels = map[LoanStatus]string{
	LoanStatusNew:                  "New",
	LoanStatusApplicationSubmitted: "Application Submitted",
	LoanStatusApplicationApproved:  "Application Approved",
	LoanStatusPendingSignature:     "Pending Signature",
	LoanStatusDealerApproved:       "Dealer Approved",
	LoanStatusFullySigned:          "Fully Signed",
	LoanStatusFunded:               "Funded",
	LoanStatusActive:               "Active",
	LoanStatusReview:               "Under Review",
	LoanStatusClosed:               "Closed",
	LoanStatusDefaulted:            "Defaulted",
	LoanStatusDerogatory:           "Derogatory",
}

// DisplayLabel は画面表示用のラベルを返す。未知の状態はそのまま返す。
func (s LoanStatus) DisplayLabel() string {
	if label, ok := loanStatusLabels[s]; ok {
		return label
	}
	return string(s)
}

// IsPostSigning は署名フェーズを通過済み（融資実行以降）の状態かを返す。
// この状態のローンは封筒ステータスの変化でローン状態を巻き戻さない。
func (s LoanStatus) IsPostSigning() bool {
	switch s {
	case LoanStatusFunded, LoanStatusActive, LoanStatusClosed,
		LoanStatusDefaulted, LoanStatusDerogatory:
		return true
	}
	return false
}

// AcceptsSignatures は署名の記録を受け付ける状態かを返す。
// 封筒を送付済みで、借り手の署名がまだ済んでいない段階だけが該当する。
func (s LoanStatus) AcceptsSignatures() bool {
	return s == LoanStatusPendingSignature || s == LoanStatusDealerApproved
}

// Loan は1件のローンを表す。
// 署名タイムスタンプは ipay → organization → borrower の順にのみ埋まる。
type Loan struct {
	ID             string
	BorrowerID     string
	OrganizationID string

	Amount        decimal.Decimal
	TermWeeks     int
	AnnualRate    decimal.Decimal
	WeeklyPayment decimal.Decimal
	Status        LoanStatus

	IpaySignedAt         *time.Time
	OrganizationSignedAt *time.Time
	BorrowerSignedAt     *time.Time

	EnvelopeID          string
	EnvelopeStatus      string
	EnvelopeCompletedAt *time.Time

	IsLate                 bool
	IsDerogatory           bool
	DaysOverdue            int
	LastDelinquencyCheckAt *time.Time
	LastPaymentAt          *time.Time
	FailedPaymentCount     int

	VehicleVIN   string
	VehicleMake  string
	VehicleModel string
	VehicleYear  string
	Notes        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DelinquencyTarget は延滞チェック対象のローンと決済顧客IDの組。
type DelinquencyTarget struct {
	LoanID     string
	CustomerID string
}

// LoanCalculation は返済額計算の結果を表す値オブジェクト。
type LoanCalculation struct {
	Principal     decimal.Decimal `json:"principal"`
	TermWeeks     int             `json:"term_weeks"`
	AnnualRate    decimal.Decimal `json:"annual_rate"`
	WeeklyRate    decimal.Decimal `json:"weekly_rate"`
	WeeklyPayment decimal.Decimal `json:"weekly_payment"`
	TotalPayment  decimal.Decimal `json:"total_payment"`
	TotalInterest decimal.Decimal `json:"total_interest"`
}

// ScheduleEntry は返済スケジュールの1行を表す。
type ScheduleEntry struct {
	PaymentNumber    int             `json:"payment_number"`
	DueDate          time.Time       `json:"due_date"`
	Payment          decimal.Decimal `json:"payment"`
	Principal        decimal.Decimal `json:"principal"`
	Interest         decimal.Decimal `json:"interest"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}
