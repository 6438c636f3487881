package mail

import (
	"context"

	"storegate/internal/observability"
)

// LogMailer writes token links to the log instead of sending mail.
// Outbound email delivery is an external collaborator; deployments plug
// in a real sender behind auth.Mailer.
type LogMailer struct {
	logger  *observability.Logger
	baseURL string
}

func NewLogMailer(logger *observability.Logger, baseURL string) *LogMailer {
	return &LogMailer{logger: logger, baseURL: baseURL}
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.logger.Info("password_reset_mail", map[string]any{
		"to":   email,
		"link": m.baseURL + "/auth/password-reset/confirm?token=" + token,
	})
	return nil
}

func (m *LogMailer) SendVerification(ctx context.Context, email, token string) error {
	m.logger.Info("verification_mail", map[string]any{
		"to":   email,
		"link": m.baseURL + "/auth/verify-email/confirm?token=" + token,
	})
	return nil
}
