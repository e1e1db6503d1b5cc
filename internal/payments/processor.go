// Package payments は決済プロセッサ（Stripe）との連携と決済Webhookイベントの処理を提供する。
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// メタデータキー
const (
	MetadataLateFeeApplied   = "late_fee_applied"
	MetadataLateFeeAppliedAt = "late_fee_applied_at"
	MetadataLoanID           = "loan_id"
	MetadataBorrowerID       = "borrower_id"
	MetadataPaymentNumber    = "payment_number"
)

// loanInvoiceCurrency は返済請求書の通貨。
const loanInvoiceCurrency = "usd"

// Processor は決済プロセッサの操作を抽象化する。テスト時にモックに差し替え可能。
type Processor interface {
	// ListOpenInvoices はopenの請求書を自動ページングで列挙し、1件ずつfnに渡す。
	// fnがエラーを返した場合は列挙を中断してそのエラーを返す。
	ListOpenInvoices(ctx context.Context, fn func(model.Invoice) error) error
	// ListCustomerInvoices は顧客の請求書をすべて返す。
	ListCustomerInvoices(ctx context.Context, customerID string) ([]model.Invoice, error)
	// AddLateFee は請求書に延滞手数料の明細を追加する。
	AddLateFee(ctx context.Context, invoice model.Invoice, amountCents int64, currency string) error
	// MarkLateFeeApplied は請求書メタデータに延滞手数料適用済みマーカーを書き込む。
	MarkLateFeeApplied(ctx context.Context, invoiceID string, at time.Time) error
	// CreateCustomer は借り手の決済顧客を作成し、顧客IDを返す。
	CreateCustomer(ctx context.Context, borrower *model.Borrower) (string, error)
	// CreateSetupIntent は支払い方法登録用のSetupIntentを作成し、client secretを返す。
	CreateSetupIntent(ctx context.Context, customerID string) (string, error)
	// CreateIdentitySession は本人確認セッションを作成する。
	CreateIdentitySession(ctx context.Context, borrower *model.Borrower, returnURL string) (*IdentitySession, error)
}

// IdentitySession は作成された本人確認セッション。
type IdentitySession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// StripeProcessor はStripe APIを使用したProcessor実装。
type StripeProcessor struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeProcessor はシークレットキーからStripeProcessorを生成する。
func NewStripeProcessor(secretKey string, logger *slog.Logger) *StripeProcessor {
	return NewStripeProcessorWithBackends(client.New(secretKey, nil), logger)
}

// NewStripeProcessorWithBackends は生成済みのAPIクライアントからStripeProcessorを生成する。
func NewStripeProcessorWithBackends(api *client.API, logger *slog.Logger) *StripeProcessor {
	return &StripeProcessor{api: api, logger: logger}
}

// ListOpenInvoices はopenの請求書を自動ページングで列挙する。
func (p *StripeProcessor) ListOpenInvoices(ctx context.Context, fn func(model.Invoice) error) error {
	params := &stripe.InvoiceListParams{Status: stripe.String(string(stripe.InvoiceStatusOpen))}
	params.Context = ctx

	iter := p.api.Invoices.List(params)
	for iter.Next() {
		if err := fn(toInvoice(iter.Invoice())); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("請求書一覧の取得に失敗しました: %w", err)
	}
	return nil
}

// ListCustomerInvoices は顧客の請求書をすべて返す。
func (p *StripeProcessor) ListCustomerInvoices(ctx context.Context, customerID string) ([]model.Invoice, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Context = ctx

	var invoices []model.Invoice
	iter := p.api.Invoices.List(params)
	for iter.Next() {
		invoices = append(invoices, toInvoice(iter.Invoice()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("顧客の請求書一覧の取得に失敗しました: %w", err)
	}
	return invoices, nil
}

// LateFeeIdempotencyKey は請求書ごとの延滞手数料明細の冪等キーを返す。
// マーカー書き込みに失敗して再実行されても明細は1件しか作られない。
func LateFeeIdempotencyKey(invoiceID string) string {
	return "late-fee-" + invoiceID
}

// AddLateFee は請求書に延滞手数料の明細を追加する。
func (p *StripeProcessor) AddLateFee(ctx context.Context, invoice model.Invoice, amountCents int64, currency string) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(invoice.CustomerID),
		Invoice:     stripe.String(invoice.ID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Description: stripe.String("Late fee"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(LateFeeIdempotencyKey(invoice.ID))

	if _, err := p.api.InvoiceItems.New(params); err != nil {
		return fmt.Errorf("延滞手数料明細の作成に失敗しました: %w", err)
	}
	return nil
}

// MarkLateFeeApplied は請求書メタデータに延滞手数料適用済みマーカーを書き込む。
func (p *StripeProcessor) MarkLateFeeApplied(ctx context.Context, invoiceID string, at time.Time) error {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	params.AddMetadata(MetadataLateFeeApplied, "true")
	params.AddMetadata(MetadataLateFeeAppliedAt, at.UTC().Format(time.RFC3339))

	if _, err := p.api.Invoices.Update(invoiceID, params); err != nil {
		return fmt.Errorf("請求書メタデータの更新に失敗しました: %w", err)
	}
	return nil
}

// CreateLoanInvoices は返済スケジュールの各回について請求書を作成・確定し、請求書IDを返済回の順に返す。
// 請求書にはloan_idとpayment_numberのメタデータを付け、延滞検知と延滞手数料の対象にする。
// 各リクエストにはローンと返済回から決まる冪等キーを付けるため、途中で失敗しても再実行で重複しない。
func (p *StripeProcessor) CreateLoanInvoices(ctx context.Context, customerID, loanID string, entries []model.ScheduleEntry) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		id, err := p.createInstallmentInvoice(ctx, customerID, loanID, entry)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *StripeProcessor) createInstallmentInvoice(ctx context.Context, customerID, loanID string, entry model.ScheduleEntry) (string, error) {
	number := strconv.Itoa(entry.PaymentNumber)
	key := "loan-" + loanID + "-payment-" + number

	invParams := &stripe.InvoiceParams{
		Customer:                    stripe.String(customerID),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DueDate:                     stripe.Int64(entry.DueDate.Unix()),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Description:                 stripe.String("Loan payment " + number),
	}
	invParams.Context = ctx
	invParams.AddMetadata(MetadataLoanID, loanID)
	invParams.AddMetadata(MetadataPaymentNumber, number)
	invParams.SetIdempotencyKey(key + "-invoice")

	inv, err := p.api.Invoices.New(invParams)
	if err != nil {
		return "", fmt.Errorf("返済請求書の作成に失敗しました（%s回目）: %w", number, err)
	}

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(entry.Payment.Shift(2).Round(0).IntPart()),
		Currency:    stripe.String(loanInvoiceCurrency),
		Description: stripe.String("Loan payment " + number),
	}
	itemParams.Context = ctx
	itemParams.AddMetadata(MetadataLoanID, loanID)
	itemParams.SetIdempotencyKey(key + "-item")

	if _, err := p.api.InvoiceItems.New(itemParams); err != nil {
		return "", fmt.Errorf("返済明細の作成に失敗しました（%s回目）: %w", number, err)
	}

	finalizeParams := &stripe.InvoiceFinalizeInvoiceParams{}
	finalizeParams.Context = ctx
	finalizeParams.SetIdempotencyKey(key + "-finalize")

	if _, err := p.api.Invoices.FinalizeInvoice(inv.ID, finalizeParams); err != nil {
		return "", fmt.Errorf("返済請求書の確定に失敗しました（%s回目）: %w", number, err)
	}
	return inv.ID, nil
}

// CreateCustomer は借り手の決済顧客を作成する。
func (p *StripeProcessor) CreateCustomer(ctx context.Context, borrower *model.Borrower) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(borrower.Email),
		Name:  stripe.String(borrower.FullName()),
	}
	if borrower.Phone != "" {
		params.Phone = stripe.String(borrower.Phone)
	}
	params.Context = ctx
	params.AddMetadata(MetadataBorrowerID, borrower.ID)

	customer, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("決済顧客の作成に失敗しました: %w", err)
	}
	return customer.ID, nil
}

// CreateSetupIntent は支払い方法登録用のSetupIntentを作成する。
func (p *StripeProcessor) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"us_bank_account", "card"}),
	}
	params.Context = ctx

	intent, err := p.api.SetupIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("SetupIntentの作成に失敗しました: %w", err)
	}
	return intent.ClientSecret, nil
}

// CreateIdentitySession は書類による本人確認セッションを作成する。
func (p *StripeProcessor) CreateIdentitySession(ctx context.Context, borrower *model.Borrower, returnURL string) (*IdentitySession, error) {
	params := &stripe.IdentityVerificationSessionParams{
		Type:      stripe.String(string(stripe.IdentityVerificationSessionTypeDocument)),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	params.AddMetadata(MetadataBorrowerID, borrower.ID)

	session, err := p.api.IdentityVerificationSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("本人確認セッションの作成に失敗しました: %w", err)
	}
	return &IdentitySession{ID: session.ID, URL: session.URL}, nil
}

func toInvoice(inv *stripe.Invoice) model.Invoice {
	out := model.Invoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		AmountDue: inv.AmountDue,
		Metadata:  inv.Metadata,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.DueDate > 0 {
		out.DueDate = time.Unix(inv.DueDate, 0).UTC()
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

var _ Processor = (*StripeProcessor)(nil)
