/*
Package notify sends affiliate e-mails about settlement outcomes.

  Only terminal settlements are announced (completed, failed) and only to
  affiliates whose NotificationPrefs.SettlementEmails is set. Delivery
  failures are returned to the caller, which logs them; a lost e-mail
  never changes a settlement.
*/
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/warp/commission-engine/commission"
)

type Notifier interface {
	SettlementFinished(ctx context.Context, a commission.Affiliate, s commission.Settlement) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) SettlementFinished(context.Context, commission.Affiliate, commission.Settlement) error {
	return nil
}

// =============================================================================
// SMTP MAILER
// =============================================================================

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Mailer struct {
	from string
	send func(m ...*gomail.Message) error
	log  *slog.Logger
}

func NewMailer(cfg SMTPConfig, log *slog.Logger) *Mailer {
	if log == nil {
		log = slog.Default()
	}
	port := cfg.Port
	if port == 0 {
		port = 2525
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	d := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	return &Mailer{from: from, send: d.DialAndSend, log: log}
}

// WithSender replaces SMTP delivery, e.g. with gomail.SendFunc in tests.
func (m *Mailer) WithSender(s gomail.Sender) *Mailer {
	m.send = func(msgs ...*gomail.Message) error { return gomail.Send(s, msgs...) }
	return m
}

func (m *Mailer) SettlementFinished(_ context.Context, a commission.Affiliate, s commission.Settlement) error {
	if !a.Notifications.SettlementEmails || a.Email == "" {
		return nil
	}
	subject, body, ok := render(a, s)
	if !ok {
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", a.Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.send(msg); err != nil {
		return fmt.Errorf("send settlement email: %w", err)
	}
	m.log.Info("settlement email sent", "affiliate_id", a.ID, "settlement_id", s.ID, "status", s.Status)
	return nil
}

func render(a commission.Affiliate, s commission.Settlement) (subject, body string, ok bool) {
	name := a.DisplayName
	if name == "" {
		name = a.Email
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)

	switch s.Status {
	case commission.SettlementCompleted:
		subject = fmt.Sprintf("Your %s commission payout is on its way", s.Period)
		fmt.Fprintf(&b, "We have paid out %s for %s via %s.\n", s.Amount, s.Period, s.Payout.Method)
		if s.PayoutReference != "" {
			fmt.Fprintf(&b, "Payout reference: %s\n", s.PayoutReference)
		}
	case commission.SettlementFailed:
		subject = fmt.Sprintf("Action needed: %s commission payout failed", s.Period)
		fmt.Fprintf(&b, "We could not pay out %s for %s via %s.\n", s.Amount, s.Period, s.Payout.Method)
		if s.FailureReason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", s.FailureReason)
		}
		b.WriteString("Please check your payout details. The amount stays in your balance and is retried with the next run.\n")
	default:
		return "", "", false
	}
	b.WriteString("\nThanks for partnering with us.\n")
	return subject, b.String(), true
}
