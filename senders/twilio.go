package senders

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/carlmjohnson/requests"
)

const twilioBaseURL = "https://api.twilio.com"

type twilioSender struct {
	base
	baseURL string
}

func (t *twilioSender) SendAlert(ctx context.Context, destination, subject, body string) (string, error) {
	cfg := t.cfg.Twilio
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return "", errors.New("missing Twilio config: set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload struct {
		SID string `json:"sid"`
	}
	err := requests.
		URL(fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, cfg.AccountSID)).
		Transport(t.transport).
		BasicAuth(cfg.AccountSID, cfg.AuthToken).
		BodyForm(url.Values{
			"From": {cfg.FromNumber},
			"To":   {destination},
			"Body": {body},
		}).
		ToJSON(&payload).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("twilio send to %s: %w", destination, err)
	}
	return payload.SID, nil
}
