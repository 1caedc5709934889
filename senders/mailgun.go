package senders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/mailgun-go/v4"
)

type mailgunSender struct {
	base
}

func (e *mailgunSender) SendAlert(ctx context.Context, destination, subject, body string) (string, error) {
	if e.cfg.Mailgun.Domain == "" || e.cfg.Mailgun.APIKey == "" {
		return "", errors.New("missing Mailgun config: set MAILGUN_DOMAIN and MAILGUN_API_KEY")
	}

	mg := mailgun.NewMailgun(e.cfg.Mailgun.Domain, e.cfg.Mailgun.APIKey)
	mg.Client().Transport = e.transport

	// Create message with empty body first.
	message := mg.NewMessage(e.cfg.Mailgun.SenderFrom, subject, "", destination)
	// SetHtml with the payload proper. This will assign the MIME type properly.
	message.SetHtml(body)

	timeout := time.Duration(e.cfg.Mailgun.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, id, err := mg.Send(ctx, message)
	if err != nil {
		return "", err
	}
	if id == "" {
		// Mailgun occasionally omits the message id on accepted sends.
		id = "email:" + uuid.NewString()
	}
	return id, nil
}
