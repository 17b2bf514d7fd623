package utils

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"propreach/config"
)

// Email is a fully-rendered outbound message
type Email struct {
	From    string
	To      string
	CC      string
	Subject string
	Body    string
	HTML    bool
}

// MailService is the opaque delivery boundary. Any non-success from the
// provider is treated as a failed send; there is no delivery guarantee
// beyond best effort.
type MailService interface {
	Send(email Email) (string, error)
}

// SMTPMailer sends through the configured SMTP relay via gomail
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
}

func NewSMTPMailer() *SMTPMailer {
	return &SMTPMailer{
		Host:     config.AppConfig.SMTPHost,
		Port:     config.AppConfig.SMTPPort,
		Username: config.AppConfig.SMTPUsername,
		Password: config.AppConfig.SMTPPassword,
	}
}

// Send delivers one message and returns the provider message ID.
func (m *SMTPMailer) Send(email Email) (string, error) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", email.From)
	msg.SetHeader("To", email.To)
	if email.CC != "" {
		msg.SetHeader("Cc", email.CC)
	}
	msg.SetHeader("Subject", email.Subject)

	messageID := uuid.New().String()
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, m.Host))

	if email.HTML {
		msg.SetBody("text/html", email.Body)
	} else {
		msg.SetBody("text/plain", email.Body)
	}

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("error sending email: %w", err)
	}
	return messageID, nil
}
