// Package loancalc は週次返済ローンの返済額と返済スケジュールの計算を提供する。
// すべての関数は純粋関数であり、設定値は引数のConfigで受け取る。
package loancalc

import (
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/shopspring/decimal"
)

// AllowedTerms は提供している返済期間（週）。
var AllowedTerms = []int{4, 6, 8, 12, 16}

// DefaultAnnualRate は標準の年利（30%）。
var DefaultAnnualRate = decimal.RequireFromString("0.30")

var (
	weeksPerYear = decimal.NewFromInt(52)
	one          = decimal.NewFromInt(1)
)

// Config は返済額計算の設定。
type Config struct {
	// AnnualRate は年利。ゼロ値の場合はDefaultAnnualRateを使う。
	AnnualRate decimal.Decimal
	// InterestDisabled がtrueの場合、年利は常に0として扱う。
	InterestDisabled bool
}

// DefaultConfig は標準年利の設定を返す。
func DefaultConfig() Config {
	return Config{AnnualRate: DefaultAnnualRate}
}

// EffectiveAnnualRate は計算に使う年利を返す。
func (c Config) EffectiveAnnualRate() decimal.Decimal {
	if c.InterestDisabled {
		return decimal.Zero
	}
	if c.AnnualRate.IsZero() {
		return DefaultAnnualRate
	}
	return c.AnnualRate
}

// ValidateTerm は返済期間が提供対象かを検証する。
func ValidateTerm(termWeeks int) error {
	for _, t := range AllowedTerms {
		if t == termWeeks {
			return nil
		}
	}
	return model.NewInvalidTermError(termWeeks)
}

// Calculate は元本と返済期間から週次返済額・総返済額・総利息を計算する。
// 金額はすべてセント単位で四捨五入する。
func Calculate(cfg Config, principal decimal.Decimal, termWeeks int) (*model.LoanCalculation, error) {
	if err := ValidateTerm(termWeeks); err != nil {
		return nil, err
	}
	if !principal.IsPositive() {
		return nil, model.NewInvalidAmountError()
	}

	annual := cfg.EffectiveAnnualRate()
	weekly := annual.Div(weeksPerYear)
	payment := weeklyPayment(principal, weekly, termWeeks)

	calc := &model.LoanCalculation{
		Principal:     principal.Round(2),
		TermWeeks:     termWeeks,
		AnnualRate:    annual,
		WeeklyRate:    weekly.Round(8),
		WeeklyPayment: payment,
	}

	if weekly.IsZero() {
		// 無利息の場合の端数は最終回で吸収するため総額は元本と一致する
		calc.TotalPayment = principal.Round(2)
		calc.TotalInterest = decimal.Zero
		return calc, nil
	}

	calc.TotalPayment = payment.Mul(decimal.NewFromInt(int64(termWeeks))).Round(2)
	calc.TotalInterest = calc.TotalPayment.Sub(principal).Round(2)
	return calc, nil
}

// Schedule は返済スケジュールを生成する。
// 各回の期日は start + 7*回数 日。最終回で端数を吸収し残高を0にする。
func Schedule(cfg Config, principal decimal.Decimal, termWeeks int, start time.Time) ([]model.ScheduleEntry, error) {
	calc, err := Calculate(cfg, principal, termWeeks)
	if err != nil {
		return nil, err
	}

	weekly := cfg.EffectiveAnnualRate().Div(weeksPerYear)
	balance := principal.Round(2)
	entries := make([]model.ScheduleEntry, 0, termWeeks)

	for k := 1; k <= termWeeks; k++ {
		interest := balance.Mul(weekly).Round(2)
		principalDue := calc.WeeklyPayment.Sub(interest)
		if k == termWeeks || principalDue.GreaterThan(balance) {
			principalDue = balance
		}
		if principalDue.IsNegative() {
			principalDue = decimal.Zero
		}

		balance = balance.Sub(principalDue)
		if balance.IsNegative() {
			balance = decimal.Zero
		}

		entries = append(entries, model.ScheduleEntry{
			PaymentNumber:    k,
			DueDate:          start.AddDate(0, 0, 7*k),
			Payment:          principalDue.Add(interest),
			Principal:        principalDue,
			Interest:         interest,
			RemainingBalance: balance,
		})
	}

	return entries, nil
}

// weeklyPayment は元利均等返済の週次返済額を返す。
// 利率0の場合は P/n。
func weeklyPayment(principal, weeklyRate decimal.Decimal, termWeeks int) decimal.Decimal {
	n := decimal.NewFromInt(int64(termWeeks))
	if weeklyRate.IsZero() {
		return principal.Div(n).Round(2)
	}

	growth := one.Add(weeklyRate).Pow(n)
	numerator := principal.Mul(weeklyRate).Mul(growth)
	denominator := growth.Sub(one)
	return numerator.Div(denominator).Round(2)
}
