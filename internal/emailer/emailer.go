// Package emailer delivers account mails through the Mailgun messages API.
package emailer

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/config"
	"nendo-server/internal/logging"
)

const mailgunBaseURL = "https://api.mailgun.net/v3"

type Mailgun struct {
	cfg config.EmailConfig
}

func NewMailgun(cfg config.EmailConfig) *Mailgun {
	return &Mailgun{cfg: cfg}
}

// Enabled reports whether sending is configured. Without an API key mails
// are logged instead of sent, which keeps local setups working.
func (m *Mailgun) Enabled() bool {
	return m.cfg.MailgunAPIKey != "" && m.cfg.MailgunDomain != ""
}

func (m *Mailgun) send(_ context.Context, to, subject, text string) error {
	if !m.Enabled() {
		logging.Info("mail delivery disabled, logging instead", "to", to, "subject", subject, "text", text)
		return nil
	}

	agent := fiber.AcquireAgent()
	defer fiber.ReleaseAgent(agent)

	req := agent.Request()
	req.Header.SetMethod(fiber.MethodPost)
	req.SetRequestURI(fmt.Sprintf("%s/%s/messages", mailgunBaseURL, m.cfg.MailgunDomain))
	req.Header.Set(fiber.HeaderAuthorization,
		"Basic "+base64.StdEncoding.EncodeToString([]byte("api:"+m.cfg.MailgunAPIKey)))

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("from", m.cfg.FromAddress)
	args.Set("to", to)
	args.Set("subject", subject)
	args.Set("text", text)
	agent.Form(args)

	if err := agent.Parse(); err != nil {
		return fmt.Errorf("mailgun request: %w", err)
	}
	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("mailgun request: %w", errs[0])
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("mailgun returned %d: %s", status, body)
	}
	logging.Info("mail sent", "to", to, "subject", subject)
	return nil
}

func (m *Mailgun) SendVerification(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Verify your email",
		"Welcome! Please verify your email address by opening this link:\n\n"+link+"\n")
}

func (m *Mailgun) SendPasswordReset(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Reset your password",
		"A password reset was requested for your account. Open this link to set a new password:\n\n"+
			link+"\n\nIf you did not request this, you can ignore this mail.\n")
}
