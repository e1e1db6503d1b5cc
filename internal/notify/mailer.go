// Package notify は借り手・署名者向けのトランザクションメール送信を提供する。
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender はメール送信APIの抽象。テスト時にモックに差し替え可能。
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Mailer はテンプレート化されたメールを送信する。
type Mailer struct {
	sender  Sender
	from    *mail.Email
	baseURL string
	logger  *slog.Logger
}

// NewMailer はSendGridクライアントを使うMailerを生成する。
// apiKeyが空の場合はnilを返し、呼び出し元は送信をスキップする。
func NewMailer(apiKey, from, baseURL string, logger *slog.Logger) *Mailer {
	if apiKey == "" {
		return nil
	}
	return NewMailerWithSender(sendgrid.NewSendClient(apiKey), from, baseURL, logger)
}

// NewMailerWithSender は任意のSenderを使うMailerを生成する。
func NewMailerWithSender(sender Sender, from, baseURL string, logger *slog.Logger) *Mailer {
	return &Mailer{
		sender:  sender,
		from:    mail.NewEmail("loandesk", from),
		baseURL: baseURL,
		logger:  logger,
	}
}

// SendSigningTurn は次の署名者に署名依頼を通知する。
func (m *Mailer) SendSigningTurn(ctx context.Context, name, email, loanID string) error {
	link := fmt.Sprintf("%s/loans/%s/sign", m.baseURL, loanID)
	subject := "Your signature is needed on a loan agreement"
	plain := fmt.Sprintf("Hello %s,\n\nIt is your turn to sign the loan agreement. Open %s to continue.\n", name, link)
	htmlBody := fmt.Sprintf("<p>Hello %s,</p><p>It is your turn to sign the loan agreement.</p><p><a href=\"%s\">Sign now</a></p>",
		html.EscapeString(name), html.EscapeString(link))
	return m.send(ctx, name, email, subject, plain, htmlBody)
}

// SendApplicationReceived は申込受付を借り手に通知する。
func (m *Mailer) SendApplicationReceived(ctx context.Context, name, email, loanID string) error {
	link := fmt.Sprintf("%s/loans/%s", m.baseURL, loanID)
	subject := "We received your loan application"
	plain := fmt.Sprintf("Hello %s,\n\nWe received your loan application. Track its progress at %s.\n", name, link)
	htmlBody := fmt.Sprintf("<p>Hello %s,</p><p>We received your loan application.</p><p><a href=\"%s\">Track progress</a></p>",
		html.EscapeString(name), html.EscapeString(link))
	return m.send(ctx, name, email, subject, plain, htmlBody)
}

func (m *Mailer) send(ctx context.Context, name, email, subject, plain, htmlBody string) error {
	msg := mail.NewSingleEmail(m.from, subject, mail.NewEmail(name, email), plain, htmlBody)

	resp, err := m.sender.SendWithContext(ctx, msg)
	if err != nil {
		m.logger.Error("メール送信APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("subject", subject),
		)
		return fmt.Errorf("メール送信に失敗しました: %w", err)
	}
	if resp.StatusCode >= 300 {
		m.logger.Error("メール送信APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("subject", subject),
		)
		return fmt.Errorf("メール送信APIがステータス %d を返しました", resp.StatusCode)
	}

	m.logger.Info("メールを送信しました", slog.String("subject", subject))
	return nil
}
