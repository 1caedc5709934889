package app

import (
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewTransport is the shared RoundTripper for the probe and the alert
// channels, logging every outbound call with its cost.
func NewTransport(lc fx.Lifecycle, log *zap.Logger) http.RoundTripper {
	return &transport{http.DefaultTransport, log}
}

type transport struct {
	base http.RoundTripper
	log  *zap.Logger
}

func (tpt *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := tpt.base.RoundTrip(req)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		tpt.log.Sugar().Warnw("Outbound request failed",
			"method", req.Method, "host", req.URL.Host, "err", err, "elapsed_msecs", elapsed)
		return resp, err
	}
	tpt.log.Sugar().Debugw("Outbound request",
		"method", req.Method, "host", req.URL.Host, "status", resp.StatusCode, "elapsed_msecs", elapsed)
	return resp, err
}
