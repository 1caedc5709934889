package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nathanplt/bruin-watch/config"
	"github.com/nathanplt/bruin-watch/probe"
	"github.com/nathanplt/bruin-watch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrTickInFlight is returned when a tick is requested while another one
// is still running. Overlapping ticks are rejected rather than queued so
// that two ticks never mutate the same subscription concurrently.
var ErrTickInFlight = errors.New("tick already running")

// ProbeError marks a failed availability check: network, parse or
// timeout. Recoverable; the subscription's last known status is kept.
type ProbeError struct{ Err error }

func (e *ProbeError) Error() string { return "probe: " + e.Err.Error() }
func (e *ProbeError) Unwrap() error { return e.Err }

// DispatchError marks a failed alert delivery. Recoverable; the status
// still advances, so the same alert is not re-attempted next tick
// (at-most-once delivery).
type DispatchError struct{ Err error }

func (e *DispatchError) Error() string { return "dispatch: " + e.Err.Error() }
func (e *DispatchError) Unwrap() error { return e.Err }

type TickSummary struct {
	CheckedAt      time.Time `json:"checked_at"`
	TotalActive    int       `json:"total_active"`
	DueCount       int       `json:"due_count"`
	ProcessedCount int       `json:"processed_count"`
	AlertSentCount int       `json:"sms_sent_count"`
	ErrorCount     int       `json:"error_count"`
}

// Engine decides which subscriptions are due, probes each, alerts on a
// rising edge and records one Run per attempt.
type Engine struct {
	log     *zap.Logger
	cfg     *config.Config
	db      *gorm.DB
	probe   probe.CourseProbe
	senders senders.Registry

	mu          sync.Mutex // single in-flight tick
	concurrency int
}

func NewEngine(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, db *gorm.DB, courseProbe probe.CourseProbe, registry senders.Registry) *Engine {
	concurrency := cfg.Schedule.TickConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		log:         log,
		cfg:         cfg,
		db:          db,
		probe:       courseProbe,
		senders:     registry,
		concurrency: concurrency,
	}
}

// dueSubscriptions keeps the active subscriptions whose interval has
// elapsed (or that were never checked). Pure; preserves input order.
func dueSubscriptions(now time.Time, subs Subscriptions) Subscriptions {
	due := make(Subscriptions, 0, len(subs))
	for _, sub := range subs {
		if sub.dueAt(now) {
			due = append(due, sub)
		}
	}
	return due
}

// RunTick processes every due subscription once and returns the batch
// summary. A second call while one is running gets ErrTickInFlight.
// Per-subscription failures are recorded and counted, never propagated;
// only a failure to list the active set aborts the tick.
func (e *Engine) RunTick(ctx context.Context, now time.Time) (*TickSummary, error) {
	if !e.mu.TryLock() {
		return nil, ErrTickInFlight
	}
	defer e.mu.Unlock()

	var active Subscriptions
	tx := e.db.Where("active = ?", true).Order("id").Find(&active)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}

	due := dueSubscriptions(now, active)
	summary := &TickSummary{
		CheckedAt:   now,
		TotalActive: len(active),
		DueCount:    len(due),
	}

	var wg sync.WaitGroup
	var summaryMu sync.Mutex
	sem := make(chan struct{}, e.concurrency)

	for i := range due {
		sub := &due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			alerted, err := e.checkSubscription(ctx, sub, now)
			if err != nil {
				e.log.Sugar().Errorw("check attempt failed",
					"subscription_id", sub.ID,
					"course", sub.CourseNumber,
					"term", sub.Term,
					"err", err,
				)
			}

			summaryMu.Lock()
			summary.ProcessedCount++
			if alerted {
				summary.AlertSentCount++
			}
			if err != nil {
				summary.ErrorCount++
			}
			summaryMu.Unlock()
		}()
	}
	wg.Wait()

	return summary, nil
}

// checkSubscription runs probe → transition decision → dispatch → persist
// for one subscription. Exactly one Run row is written per attempt unless
// persistence itself fails, in which case no state changes at all.
func (e *Engine) checkSubscription(ctx context.Context, sub *Subscription, now time.Time) (alerted bool, attemptErr error) {
	started := time.Now()
	run := Run{SubscriptionID: sub.ID, CheckedAt: now}

	status, err := e.safeProbe(ctx, sub)
	if err != nil {
		// Transient probe failure must not be mistaken for "still
		// closed": leave last_known_enrollable untouched.
		run.ErrorText = nullString(err.Error())
		run.DurationMs = time.Since(started).Milliseconds()
		if perr := e.persistAttempt(sub.ID, &run, nil); perr != nil {
			return false, perr
		}
		return false, &ProbeError{err}
	}

	observed := TristateOf(status.IsEnrollable)
	run.IsEnrollable = observed

	var dispatchErr error
	if observed.Bool() && !sub.LastKnownEnrollable.Bool() {
		// Rising edge: prior value was false or unknown, new value true.
		id, derr := e.safeDispatch(ctx, sub)
		if derr != nil {
			dispatchErr = &DispatchError{derr}
			run.ErrorText = nullString(derr.Error())
		} else {
			run.AlertSent = true
			run.DeliveryID = nullString(id)
		}
	}

	run.DurationMs = time.Since(started).Milliseconds()
	if perr := e.persistAttempt(sub.ID, &run, &observed); perr != nil {
		return false, perr
	}
	return run.AlertSent, dispatchErr
}

func (e *Engine) safeProbe(ctx context.Context, sub *Subscription) (status *probe.CourseStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return e.probe.Check(ctx, sub.CourseNumber, sub.Term)
}

func (e *Engine) safeDispatch(ctx context.Context, sub *Subscription) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()

	sender, err := e.senders.ForDestination(sub.Destination)
	if err != nil {
		return "", err
	}

	format := senders.AlertFormat{
		Term:         sub.Term,
		CourseNumber: sub.CourseNumber,
		ResultsURL:   probe.ResultsURL(e.cfg.Schedule.BaseURL, sub.Term),
	}
	return sender.SendAlert(ctx, sub.Destination, format.Subject(), format.Body())
}

// persistAttempt writes the Run and the subscription's status update in
// one transaction. observed is nil on probe failure, where the last
// known status is preserved.
func (e *Engine) persistAttempt(subID uint, run *Run, observed *Tristate) error {
	err := e.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"last_checked_at": run.CheckedAt}
		if observed != nil {
			updates["last_known_enrollable"] = *observed
		}
		if run.AlertSent {
			updates["last_alerted_at"] = run.CheckedAt
		}

		if err := tx.Model(&Subscription{}).Where("id = ?", subID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return fmt.Errorf("persist attempt for subscription %d: %w", subID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
