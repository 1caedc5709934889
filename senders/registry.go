package senders

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/nathanplt/bruin-watch/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sender delivers one alert to one destination, returning an opaque
// delivery identifier from the channel.
type Sender interface {
	SendAlert(ctx context.Context, destination, subject, body string) (string, error)
}

type Registry map[string]Sender

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	base := base{log, cfg, transport}
	return map[string]Sender{
		PlatformEmail: &mailgunSender{base},
		PlatformSMS:   &twilioSender{base, twilioBaseURL},
	}
}

const (
	PlatformEmail = "email"
	PlatformSMS   = "sms"
)

var (
	emailRE = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRE = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)
)

// PlatformFor routes a destination by shape: email address or E.164 phone.
func PlatformFor(destination string) (string, error) {
	dest := strings.TrimSpace(destination)
	switch {
	case emailRE.MatchString(dest):
		return PlatformEmail, nil
	case phoneRE.MatchString(dest):
		return PlatformSMS, nil
	default:
		return "", fmt.Errorf("destination %q is neither an email address nor an E.164 phone number", destination)
	}
}

// ForDestination picks the sender matching the destination's shape.
func (r Registry) ForDestination(destination string) (Sender, error) {
	platform, err := PlatformFor(destination)
	if err != nil {
		return nil, err
	}
	sender, ok := r[platform]
	if !ok {
		return nil, fmt.Errorf("unsupported alert platform: %s", platform)
	}
	return sender, nil
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}
