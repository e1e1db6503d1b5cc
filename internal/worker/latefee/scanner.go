// Package latefee は期日を過ぎた未払い請求書に延滞手数料を付与するバッチジョブを提供する。
package latefee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/payments"
	"golang.org/x/time/rate"
)

// InvoiceProcessor はスキャナーが使用する決済プロセッサ操作の部分集合。
type InvoiceProcessor interface {
	ListOpenInvoices(ctx context.Context, fn func(model.Invoice) error) error
	AddLateFee(ctx context.Context, invoice model.Invoice, amountCents int64, currency string) error
	MarkLateFeeApplied(ctx context.Context, invoiceID string, at time.Time) error
}

// Config はスキャナーの設定パラメータ。
type Config struct {
	// Interval はworkerモードでの実行間隔（デフォルト: 24時間）。
	Interval time.Duration
	// GracePeriod は期日から延滞手数料を付与するまでの猶予（デフォルト: 5日）。
	GracePeriod time.Duration
	// FeeCents は延滞手数料（デフォルト: 1500セント）。
	FeeCents int64
	// Currency は延滞手数料の通貨（デフォルト: usd）。
	Currency string
	// RateLimit は決済プロセッサへの書き込み呼び出しの上限（リクエスト/秒）。
	RateLimit rate.Limit
}

// DefaultConfig はデフォルトのスキャナー設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:    24 * time.Hour,
		GracePeriod: 5 * 24 * time.Hour,
		FeeCents:    1500,
		Currency:    "usd",
		RateLimit:   20,
	}
}

// Result は1回のスキャン結果の集計。
type Result struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Recorder はスキャン結果をメトリクスに記録する。nilの場合は記録しない。
type Recorder interface {
	RecordScan(job string, counts map[string]int, duration time.Duration)
}

// Scanner は延滞手数料スキャナー。
type Scanner struct {
	processor InvoiceProcessor
	logger    *slog.Logger
	config    Config
	limiter   *rate.Limiter
	recorder  Recorder
	now       func() time.Time
}

// NewScanner はScannerを生成する。
func NewScanner(processor InvoiceProcessor, logger *slog.Logger, config Config, recorder Recorder) *Scanner {
	limit := config.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Scanner{
		processor: processor,
		logger:    logger,
		config:    config,
		limiter:   rate.NewLimiter(limit, 1),
		recorder:  recorder,
		now:       time.Now,
	}
}

// Start はスキャンをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("延滞手数料スキャナーを開始しました",
		slog.Duration("interval", s.config.Interval),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("延滞手数料スキャナーを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scanner) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("延滞手数料スキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Eligible は請求書が延滞手数料の付与対象かを返す。
// 期日が未設定、猶予期間内、または適用済みマーカーがある請求書は対象外。
func (s *Scanner) Eligible(inv model.Invoice, now time.Time) bool {
	if inv.DueDate.IsZero() {
		return false
	}
	if !inv.DueDate.Before(now.Add(-s.config.GracePeriod)) {
		return false
	}
	return inv.Metadata[payments.MetadataLateFeeApplied] != "true"
}

// RunOnce はopenの請求書を1周し、対象に延滞手数料を付与する。
// 請求書ごとの失敗はログに残して次の請求書に進む。
func (s *Scanner) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.now().UTC()
	var result Result

	err := s.processor.ListOpenInvoices(ctx, func(inv model.Invoice) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Scanned++

		if !s.Eligible(inv, now) {
			result.Skipped++
			return nil
		}

		if err := s.apply(ctx, inv, now); err != nil {
			result.Failed++
			var unmarked *unmarkedFeeError
			if errors.As(err, &unmarked) {
				// 手数料は付与済みでマーカーだけがない。次回は冪等キーにより二重付与されない。
				s.logger.Error("延滞手数料を付与しましたが適用済みマーカーを書き込めませんでした",
					slog.String("invoice_id", inv.ID),
					slog.String("customer_id", inv.CustomerID),
					slog.String("state", "fee_added_unmarked"),
					slog.String("error", unmarked.err.Error()),
				)
				return nil
			}
			s.logger.Warn("延滞手数料の付与に失敗しました",
				slog.String("invoice_id", inv.ID),
				slog.String("customer_id", inv.CustomerID),
				slog.String("error", err.Error()),
			)
			return nil
		}

		result.Applied++
		s.logger.Info("延滞手数料を付与しました",
			slog.String("invoice_id", inv.ID),
			slog.Time("due_date", inv.DueDate),
		)
		return nil
	})

	duration := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordScan("late_fee", map[string]int{
			"applied": result.Applied,
			"skipped": result.Skipped,
			"failed":  result.Failed,
		}, duration)
	}

	s.logger.Info("延滞手数料スキャンが完了しました",
		slog.Int("scanned", result.Scanned),
		slog.Int("applied", result.Applied),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	if err != nil {
		return result, fmt.Errorf("請求書の列挙に失敗しました: %w", err)
	}
	return result, nil
}

// unmarkedFeeError は明細追加後にマーカー書き込みだけが失敗した状態を表す。
type unmarkedFeeError struct {
	err error
}

func (e *unmarkedFeeError) Error() string {
	return "延滞手数料の適用済みマーカーの書き込みに失敗しました: " + e.err.Error()
}

func (e *unmarkedFeeError) Unwrap() error { return e.err }

// apply は明細追加とマーカー書き込みを順に行う。明細追加に失敗した場合はマーカーを書かない。
func (s *Scanner) apply(ctx context.Context, inv model.Invoice, now time.Time) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.processor.AddLateFee(ctx, inv, s.config.FeeCents, s.config.Currency); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &unmarkedFeeError{err: err}
	}
	if err := s.processor.MarkLateFeeApplied(ctx, inv.ID, now); err != nil {
		return &unmarkedFeeError{err: err}
	}
	return nil
}
