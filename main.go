package main

import (
	"net/http"
	"os"
	"time"

	"github.com/nathanplt/bruin-watch/app"
	"github.com/nathanplt/bruin-watch/config"
	"github.com/nathanplt/bruin-watch/probe"
	"github.com/nathanplt/bruin-watch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),

		fx.Provide(senders.NewSenderRegistry),

		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),
		fx.Provide(probe.NewCourseProbe),
		fx.Provide(app.NewEngine),
		fx.Provide(app.NewScheduler),
		fx.Provide(app.NewService),
		fx.Provide(app.NewHTTPServer),

		fx.Invoke(func(*app.Scheduler) {}),
		fx.Invoke(func(*http.Server) {}),
	).Run()
}
