// Package notify sends transactional email to buyers.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"gopkg.in/gomail.v2"
)

// EmailSender dispatches plain-text transactional mail over SMTP. Sends are
// retried a bounded number of times; a final failure is returned to the
// caller, which logs and swallows it (notification must never fail a
// reconciliation).
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewEmailSender creates a sender for the given SMTP account.
func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *EmailSender) send(ctx context.Context, to, subject, body string) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		m := gomail.NewMessage()
		m.SetHeader("From", s.from)
		m.SetHeader("To", to)
		m.SetHeader("Subject", subject)
		m.SetBody("text/plain", body)

		if err := s.dialer.DialAndSend(m); err != nil {
			return retry.RetryableError(fmt.Errorf("send mail: %w", err))
		}
		return nil
	})
}

// SendOrderConfirmed notifies a buyer that payment for an order settled and
// the download is ready.
func (s *EmailSender) SendOrderConfirmed(ctx context.Context, to, productName, refCode string, amountCents int64) error {
	subject := fmt.Sprintf("Payment confirmed — order %s", refCode)
	body := fmt.Sprintf(
		"Your payment of KES %.2f for %q has been confirmed.\n\n"+
			"Order reference: %s\n\n"+
			"Visit the order status page with your reference to collect your download link. "+
			"The link is valid for 24 hours and can be used once.\n",
		float64(amountCents)/100, productName, refCode,
	)
	return s.send(ctx, to, subject, body)
}

// SendCustomOrderReceived acknowledges a bespoke bot request.
func (s *EmailSender) SendCustomOrderReceived(ctx context.Context, to, refCode string) error {
	subject := fmt.Sprintf("Custom order received — %s", refCode)
	body := fmt.Sprintf(
		"We received your custom bot request.\n\n"+
			"Reference: %s\n\n"+
			"We will get back to you with a quote.\n",
		refCode,
	)
	return s.send(ctx, to, subject, body)
}
