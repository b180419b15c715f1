// Package notify tells operators about tasks that stay failed after every retry bundle ran.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// Exhaustion describes a bundle whose failed tasks will not be retried.
type Exhaustion struct {
	BundleID       string
	RecursionLevel int
	Grid           string
	TaskIDs        []string
	At             time.Time
}

type Notifier interface {
	RetriesExhausted(ctx context.Context, e Exhaustion) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) RetriesExhausted(context.Context, Exhaustion) error { return nil }

// Sender delivers a SendGrid message. *sendgrid.Client implements it.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// Email sends one message per exhausted bundle.
type Email struct {
	sender Sender
	from   *mail.Email
	to     *mail.Email
	logger *zap.Logger
}

func NewEmail(cfg EmailConfig, logger *zap.Logger) *Email {
	return NewEmailWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewEmailWithSender(sender Sender, cfg EmailConfig, logger *zap.Logger) *Email {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Email{
		sender: sender,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     mail.NewEmail("", cfg.To),
		logger: logger,
	}
}

func (n *Email) RetriesExhausted(ctx context.Context, e Exhaustion) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := Message(e)
	email := mail.NewSingleEmail(n.from, subject, n.to, body, body)
	response, err := n.sender.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.logger.Info("retry exhaustion email sent",
		zap.String("bundle_id", e.BundleID),
		zap.String("to", n.to.Address),
		zap.Int("status", response.StatusCode))
	return nil
}

// Message renders the subject and plain-text body for e.
func Message(e Exhaustion) (string, string) {
	subject := fmt.Sprintf("ferreq: %d task(s) failed after %d retry level(s) on %s", len(e.TaskIDs), e.RecursionLevel, e.Grid)

	var b strings.Builder
	fmt.Fprintf(&b, "Bundle %s reached recursion level %d", e.BundleID, e.RecursionLevel)
	if !e.At.IsZero() {
		fmt.Fprintf(&b, " at %s", e.At.UTC().Format(time.RFC3339))
	}
	b.WriteString(".\nThe following tasks remain failed:\n")
	for _, id := range e.TaskIDs {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	return subject, b.String()
}
