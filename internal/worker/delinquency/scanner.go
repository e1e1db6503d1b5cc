// Package delinquency は融資実行済みローンの延滞状況を決済プロセッサの請求書から更新するバッチジョブを提供する。
package delinquency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"golang.org/x/time/rate"
)

// LoanStore はスキャナーが使用するローンリポジトリの部分集合。
type LoanStore interface {
	ListDelinquencyTargets(ctx context.Context) ([]model.DelinquencyTarget, error)
	UpdateDelinquency(ctx context.Context, loanID string, isLate bool, daysOverdue int, checkedAt time.Time) error
}

// InvoiceLister は顧客の請求書一覧を取得する。
type InvoiceLister interface {
	ListCustomerInvoices(ctx context.Context, customerID string) ([]model.Invoice, error)
}

// Recorder はスキャン結果をメトリクスに記録する。
type Recorder interface {
	RecordScan(job string, counts map[string]int, duration time.Duration)
}

// Config はスキャナーの設定パラメータ。
type Config struct {
	// Interval はworkerモードでの実行間隔（デフォルト: 24時間）。
	Interval time.Duration
	// RateLimit は決済プロセッサ呼び出しの上限（リクエスト/秒）。
	RateLimit rate.Limit
}

// DefaultConfig はデフォルトのスキャナー設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:  24 * time.Hour,
		RateLimit: 20,
	}
}

// Result は1回のスキャン結果の集計。
type Result struct {
	Scanned int `json:"scanned"`
	Late    int `json:"late"`
	Current int `json:"current"`
	Failed  int `json:"failed"`
}

// Scanner は延滞状況スキャナー。
type Scanner struct {
	loans    LoanStore
	invoices InvoiceLister
	logger   *slog.Logger
	config   Config
	limiter  *rate.Limiter
	recorder Recorder
	now      func() time.Time
}

// NewScanner はScannerを生成する。recorderはnilでもよい。
func NewScanner(loans LoanStore, invoices InvoiceLister, logger *slog.Logger, config Config, recorder Recorder) *Scanner {
	limit := config.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Scanner{
		loans:    loans,
		invoices: invoices,
		logger:   logger,
		config:   config,
		limiter:  rate.NewLimiter(limit, 1),
		recorder: recorder,
		now:      time.Now,
	}
}

// Start はスキャンをティッカーで定期実行する。
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("延滞状況スキャナーを開始しました",
		slog.Duration("interval", s.config.Interval),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("延滞状況スキャナーを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scanner) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("延滞状況スキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Overdue は期日を過ぎたopenの請求書があるかと、最も古いものの期日からの経過日数（切り捨て）を返す。
// 該当する請求書がない場合は false, 0 を返す。
func Overdue(invoices []model.Invoice, now time.Time) (bool, int) {
	var oldest time.Time
	for _, inv := range invoices {
		if inv.Status != model.InvoiceStatusOpen || inv.DueDate.IsZero() || !inv.DueDate.Before(now) {
			continue
		}
		if oldest.IsZero() || inv.DueDate.Before(oldest) {
			oldest = inv.DueDate
		}
	}
	if oldest.IsZero() {
		return false, 0
	}
	return true, int(now.Sub(oldest) / (24 * time.Hour))
}

// RunOnce は対象ローンを1周し、延滞フラグと延滞日数を更新する。
// ローンごとの失敗はログに残して次のローンに進む。
func (s *Scanner) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	var result Result

	targets, err := s.loans.ListDelinquencyTargets(ctx)
	if err != nil {
		return result, fmt.Errorf("延滞チェック対象ローンの取得に失敗しました: %w", err)
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Scanned++

		late, err := s.check(ctx, target)
		if err != nil {
			result.Failed++
			s.logger.Error("ローンの延滞チェックに失敗しました",
				slog.String("loan_id", target.LoanID),
				slog.String("customer_id", target.CustomerID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if late {
			result.Late++
		} else {
			result.Current++
		}
	}

	duration := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordScan("delinquency", map[string]int{
			"late":    result.Late,
			"current": result.Current,
			"failed":  result.Failed,
		}, duration)
	}

	s.logger.Info("延滞状況スキャンが完了しました",
		slog.Int("scanned", result.Scanned),
		slog.Int("late", result.Late),
		slog.Int("current", result.Current),
		slog.Int("failed", result.Failed),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	return result, nil
}

// check は1件のローンの延滞状況を更新し、延滞中かを返す。
func (s *Scanner) check(ctx context.Context, target model.DelinquencyTarget) (bool, error) {
	if target.CustomerID == "" {
		return false, fmt.Errorf("借り手に決済顧客IDがありません")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	invoices, err := s.invoices.ListCustomerInvoices(ctx, target.CustomerID)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	late, days := Overdue(invoices, now)
	if err := s.loans.UpdateDelinquency(ctx, target.LoanID, late, days, now); err != nil {
		return false, err
	}
	return late, nil
}
