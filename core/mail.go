package core

import (
	"net/mail"
)

type (
	// EmailMessage is a text-only notification. The engine's emails are short
	// and composed inline; no template rendering is involved.
	EmailMessage struct {
		To          []mail.Address
		Subject     string
		TextContent string
	}

	// EmailService is any service that can send emails.
	// Delivery is a collaborator concern; implementations must not block the caller.
	EmailService interface {
		// SendMessages sends messages concurrently
		SendMessages(messages ...*EmailMessage)
	}
)

func (m *EmailMessage) HasRecipients() bool {
	return len(m.To) > 0
}

func (m *EmailMessage) HasContent() bool {
	return m.TextContent != ""
}
