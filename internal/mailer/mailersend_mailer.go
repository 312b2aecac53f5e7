package mailer

import (
	"context"
	"fmt"

	"github.com/mailersend/mailersend-go"
)

type MailerSendClient struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	enabled bool
}

func NewMailerSend(apiKey, fromName, fromEmail string) *MailerSendClient {
	m := &MailerSendClient{
		enabled: apiKey != "" && fromEmail != "",
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}

	if m.enabled {
		m.client = mailersend.NewMailersend(apiKey)
	}

	return m
}

func (m *MailerSendClient) SendLoginCode(ctx context.Context, toEmail, code string) error {
	if !m.enabled {
		return fmt.Errorf("MailerSend not configured")
	}

	subject := "Your sign-in code"
	html := fmt.Sprintf(`
		<h2>Your sign-in code</h2>
		<p>Enter this code to sign in: <strong style="font-size: 24px;">%s</strong></p>
		<p>The code expires in 10 minutes.</p>
		<p>If you didn't request a sign-in code, you can safely ignore this email.</p>
	`, code)
	text := fmt.Sprintf("Your sign-in code is: %s\n\nIt expires in 10 minutes. If you did not request it, ignore this email.", code)

	msg := m.client.Email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Email: toEmail}})
	msg.SetSubject(subject)
	msg.SetText(text)
	msg.SetHTML(html)

	_, err := m.client.Email.Send(ctx, msg)
	return err
}
