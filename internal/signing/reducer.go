// Package signing はローン契約の3者署名（ipay → 組織オーナー → 借り手）の進行管理を提供する。
package signing

import (
	"fmt"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
)

// Stage は署名タイムスタンプの充足状況から決まる署名段階。
type Stage int

const (
	// StageAwaitingIpay はいずれの署名も未完了。
	StageAwaitingIpay Stage = iota
	// StageAwaitingOrganization はipay署名のみ完了。
	StageAwaitingOrganization
	// StageAwaitingBorrower はipayと組織の署名が完了。
	StageAwaitingBorrower
	// StageComplete は3者すべての署名が完了。
	StageComplete
)

// String はログ出力用の段階名を返す。
func (s Stage) String() string {
	switch s {
	case StageAwaitingIpay:
		return "awaiting_ipay"
	case StageAwaitingOrganization:
		return "awaiting_organization"
	case StageAwaitingBorrower:
		return "awaiting_borrower"
	case StageComplete:
		return "complete"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Party は署名者の種別。
type Party string

const (
	PartyIpay         Party = "ipay"
	PartyOrganization Party = "organization"
	PartyBorrower     Party = "borrower"
)

// Stamps はローンの3つの署名タイムスタンプ。
type Stamps struct {
	Ipay         *time.Time
	Organization *time.Time
	Borrower     *time.Time
}

// StampsOf はローンから署名タイムスタンプを取り出す。
func StampsOf(loan *model.Loan) Stamps {
	return Stamps{
		Ipay:         loan.IpaySignedAt,
		Organization: loan.OrganizationSignedAt,
		Borrower:     loan.BorrowerSignedAt,
	}
}

// StageOf は固定順序で最初のnullタイムスタンプを探し、署名段階を返す。
// 前段がnullのまま後段が埋まっている不整合は、前段の待ちとして扱う。
func StageOf(s Stamps) Stage {
	switch {
	case s.Ipay == nil:
		return StageAwaitingIpay
	case s.Organization == nil:
		return StageAwaitingOrganization
	case s.Borrower == nil:
		return StageAwaitingBorrower
	default:
		return StageComplete
	}
}

// Transition は署名完了イベント1件の適用結果。
type Transition struct {
	From     Stage
	Party    Party
	SignedAt time.Time
	// Status は遷移後のローン状態。空文字の場合は状態を変更しない。
	Status model.LoanStatus
}

// Next は次に署名すべき当事者を返す。全署名済みの場合は状態競合エラーを返す。
func Next(s Stamps) (Party, error) {
	switch StageOf(s) {
	case StageAwaitingIpay:
		return PartyIpay, nil
	case StageAwaitingOrganization:
		return PartyOrganization, nil
	case StageAwaitingBorrower:
		return PartyBorrower, nil
	case StageComplete:
		return "", model.NewAllSignaturesRecordedError()
	}
	panic("unreachable signing stage")
}

// Complete は署名完了イベントを現在の段階に適用した遷移を返す。
// 全署名済みのローンへの重複イベントは黙って上書きせずエラーにする。
func Complete(s Stamps, now time.Time) (Transition, error) {
	stage := StageOf(s)
	switch stage {
	case StageAwaitingIpay:
		return Transition{From: stage, Party: PartyIpay, SignedAt: now}, nil
	case StageAwaitingOrganization:
		return Transition{From: stage, Party: PartyOrganization, SignedAt: now, Status: model.LoanStatusDealerApproved}, nil
	case StageAwaitingBorrower:
		return Transition{From: stage, Party: PartyBorrower, SignedAt: now, Status: model.LoanStatusFullySigned}, nil
	case StageComplete:
		return Transition{}, model.NewAllSignaturesRecordedError()
	}
	panic("unreachable signing stage")
}

// Apply は遷移をタイムスタンプに反映した新しいStampsを返す。
func (t Transition) Apply(s Stamps) Stamps {
	at := t.SignedAt
	switch t.Party {
	case PartyIpay:
		s.Ipay = &at
	case PartyOrganization:
		s.Organization = &at
	case PartyBorrower:
		s.Borrower = &at
	}
	return s
}
