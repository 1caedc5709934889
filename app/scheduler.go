package app

import (
	"context"
	"errors"
	"time"

	"github.com/nathanplt/bruin-watch/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler drives the engine on a fixed cadence when the local
// scheduler is enabled. Deployments with an external trigger (cron
// hitting /internal/scheduler-tick) run with it disabled.
type Scheduler struct {
	log    *zap.Logger
	engine *Engine

	interval time.Duration
	cancel   context.CancelFunc
}

func NewScheduler(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, engine *Engine) *Scheduler {
	intervalSecs := cfg.Schedule.LocalSchedulerSecs
	if intervalSecs < cfg.Schedule.MinIntervalSecs {
		intervalSecs = cfg.Schedule.MinIntervalSecs
	}

	scheduler := &Scheduler{
		log:      log,
		engine:   engine,
		interval: time.Duration(intervalSecs) * time.Second,
	}

	if !cfg.Schedule.LocalScheduler {
		log.Sugar().Info("Local scheduler disabled; ticks must come from the scheduler endpoint")
		return scheduler
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop scheduler")
			scheduler.Stop()
			return nil
		},
	})

	return scheduler
}

func (s *Scheduler) tickerWithImmediateTick(interval time.Duration) *time.Ticker {
	withImmediateTick := make(chan time.Time, 1)

	ticker := time.NewTicker(interval)
	tickerC := ticker.C
	go func() {
		withImmediateTick <- time.Now()
		for c := range tickerC {
			withImmediateTick <- c
		}
	}()

	ticker.C = withImmediateTick
	return ticker
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.log.Sugar().Infow("Local scheduler started", "interval", s.interval)

	ticker := s.tickerWithImmediateTick(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Sugar().Info("Local scheduler stopped")
			return

		case tickTime := <-ticker.C:
			s.tick(ctx, tickTime.UTC())
		}
	}
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	summary, err := s.engine.RunTick(ctx, now)
	switch {
	case errors.Is(err, ErrTickInFlight):
		s.log.Sugar().Info("Skipping tick, previous tick still running")
	case err != nil:
		s.log.Sugar().Errorw("Scheduler tick failed", "err", err)
	default:
		elapsed := time.Now().UTC().Sub(now)
		s.log.Sugar().Infow("Scheduler tick complete",
			"total_active", summary.TotalActive,
			"due", summary.DueCount,
			"processed", summary.ProcessedCount,
			"sms_sent", summary.AlertSentCount,
			"errors", summary.ErrorCount,
			"elapsed_msecs", int(elapsed.Milliseconds()),
		)
	}
}
