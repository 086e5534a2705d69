package emailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"nendo-server/internal/config"
)

func TestEnabled(t *testing.T) {
	assert.False(t, NewMailgun(config.EmailConfig{}).Enabled())
	assert.False(t, NewMailgun(config.EmailConfig{MailgunAPIKey: "key"}).Enabled())
	assert.False(t, NewMailgun(config.EmailConfig{MailgunDomain: "mg.nendo.io"}).Enabled())
	assert.True(t, NewMailgun(config.EmailConfig{
		MailgunAPIKey: "key", MailgunDomain: "mg.nendo.io",
	}).Enabled())
}

func TestDisabledDeliveryLogsOnly(t *testing.T) {
	m := NewMailgun(config.EmailConfig{FromAddress: "noreply@nendo.io"})

	assert.NoError(t, m.SendVerification(context.Background(), "user@example.com", "https://nendo.io/verify?token=x"))
	assert.NoError(t, m.SendPasswordReset(context.Background(), "user@example.com", "https://nendo.io/reset?token=x"))
}
