package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nathanplt/bruin-watch/config"
	"github.com/nathanplt/bruin-watch/probe"
	"github.com/nathanplt/bruin-watch/senders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A pooled :memory: connection would open a second, empty database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&Subscription{}, &Run{}))
	return db
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Schedule.BaseURL = "https://example.edu/soc/Results"
	cfg.Schedule.DefaultTerm = "26S"
	cfg.Schedule.MinIntervalSecs = 15
	cfg.Schedule.TickConcurrency = 4
	cfg.RateLimit.PerSecond = 100
	cfg.RateLimit.Burst = 100
	return cfg
}

type probeResult struct {
	enrollable bool
	err        error
}

type fakeProbe struct {
	mu      sync.Mutex
	results map[string]probeResult
	calls   int

	// When block is set, Check signals entered and then waits on block.
	block   chan struct{}
	entered chan struct{}
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{results: make(map[string]probeResult)}
}

func (f *fakeProbe) set(course string, enrollable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[course] = probeResult{enrollable: enrollable}
}

func (f *fakeProbe) setErr(course string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[course] = probeResult{err: err}
}

func (f *fakeProbe) Check(ctx context.Context, courseNumber, term string) (*probe.CourseStatus, error) {
	if f.block != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	res, ok := f.results[courseNumber]
	if !ok {
		return nil, fmt.Errorf("no course status returned for COM SCI %s", courseNumber)
	}
	if res.err != nil {
		return nil, res.err
	}
	return &probe.CourseStatus{
		CourseNumber: courseNumber,
		Term:         term,
		IsEnrollable: res.enrollable,
	}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
	next int
}

func (f *fakeSender) SendAlert(ctx context.Context, destination, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, destination)
	f.next++
	return fmt.Sprintf("SM%03d", f.next), nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *fakeProbe, *fakeSender) {
	t.Helper()

	db := newTestDB(t)
	fp := newFakeProbe()
	fs := &fakeSender{}
	registry := senders.Registry{
		senders.PlatformEmail: fs,
		senders.PlatformSMS:   fs,
	}
	engine := NewEngine(nil, zap.NewNop(), newTestConfig(), db, fp, registry)
	return engine, db, fp, fs
}

func seedSubscription(t *testing.T, db *gorm.DB, course string, intervalSecs int) *Subscription {
	t.Helper()

	sub := &Subscription{
		CourseNumber:    course,
		Term:            "26S",
		Destination:     "student@example.com",
		IntervalSeconds: intervalSecs,
		Active:          true,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func reload(t *testing.T, db *gorm.DB, id uint) *Subscription {
	t.Helper()

	sub := &Subscription{}
	require.NoError(t, db.First(sub, id).Error)
	return sub
}

func runsFor(t *testing.T, db *gorm.DB, id uint) []Run {
	t.Helper()

	var runs []Run
	require.NoError(t, db.Where("subscription_id = ?", id).Order("id").Find(&runs).Error)
	return runs
}

var tickBase = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func TestRunTickRisingEdgeAlertsExactlyOnce(t *testing.T) {
	engine, db, fp, fs := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "31", 60)

	// t=0: closed. Run recorded, no alert, status advances to false.
	fp.set("31", false)
	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalActive)
	assert.Equal(t, 1, summary.DueCount)
	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Equal(t, 0, summary.AlertSentCount)
	assert.Equal(t, 0, summary.ErrorCount)

	got := reload(t, db, sub.ID)
	assert.Equal(t, TristateFalse, got.LastKnownEnrollable)
	require.True(t, got.LastCheckedAt.Valid)
	assert.True(t, got.LastCheckedAt.Time.Equal(tickBase))
	assert.False(t, got.LastAlertedAt.Valid)

	// t=30: interval not elapsed, due set empty.
	summary, err = engine.RunTick(ctx, tickBase.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.DueCount)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.Len(t, runsFor(t, db, sub.ID), 1)

	// t=65: opens. Rising edge, exactly one alert.
	fp.set("31", true)
	summary, err = engine.RunTick(ctx, tickBase.Add(65*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertSentCount)
	assert.Equal(t, 1, fs.sentCount())

	got = reload(t, db, sub.ID)
	assert.Equal(t, TristateTrue, got.LastKnownEnrollable)
	require.True(t, got.LastAlertedAt.Valid)
	assert.True(t, got.LastAlertedAt.Time.Equal(tickBase.Add(65*time.Second)))

	// t=130: still open. No repeat alert.
	summary, err = engine.RunTick(ctx, tickBase.Add(130*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertSentCount)
	assert.Equal(t, 1, fs.sentCount())

	runs := runsFor(t, db, sub.ID)
	require.Len(t, runs, 3)
	assert.False(t, runs[0].AlertSent)
	assert.True(t, runs[1].AlertSent)
	assert.Equal(t, "SM001", runs[1].DeliveryID.String)
	assert.False(t, runs[2].AlertSent)
	assert.Equal(t, TristateTrue, runs[2].IsEnrollable)
}

func TestRunTickFirstObservationOpenAlerts(t *testing.T) {
	engine, db, fp, fs := newTestEngine(t)
	ctx := context.Background()

	// Unknown -> true is a rising edge too; collapsing unknown into
	// false would be indistinguishable here, but unknown must not
	// suppress the very first alert.
	seedSubscription(t, db, "35", 60)
	fp.set("35", true)

	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertSentCount)
	assert.Equal(t, 1, fs.sentCount())
}

func TestRunTickReArmsAfterClose(t *testing.T) {
	engine, db, fp, fs := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "32", 60)

	fp.set("32", true)
	_, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 1, fs.sentCount())

	// Closes again: edge re-arms.
	fp.set("32", false)
	_, err = engine.RunTick(ctx, tickBase.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fs.sentCount())
	assert.Equal(t, TristateFalse, reload(t, db, sub.ID).LastKnownEnrollable)

	// Reopens: second alert.
	fp.set("32", true)
	summary, err := engine.RunTick(ctx, tickBase.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertSentCount)
	assert.Equal(t, 2, fs.sentCount())
}

func TestRunTickProbeFailurePreservesStatus(t *testing.T) {
	engine, db, fp, fs := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "33", 60)

	fp.set("33", false)
	_, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)

	fp.setErr("33", errors.New("connection reset"))
	summary, err := engine.RunTick(ctx, tickBase.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, 0, summary.AlertSentCount)

	got := reload(t, db, sub.ID)
	assert.Equal(t, TristateFalse, got.LastKnownEnrollable, "probe failure must not overwrite the last known status")
	assert.True(t, got.LastCheckedAt.Time.Equal(tickBase.Add(time.Minute)))

	runs := runsFor(t, db, sub.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, TristateUnknown, runs[1].IsEnrollable)
	assert.Contains(t, runs[1].ErrorText.String, "connection reset")

	// Transition detection resumes from the preserved value.
	fp.set("33", true)
	summary, err = engine.RunTick(ctx, tickBase.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertSentCount)
	assert.Equal(t, 1, fs.sentCount())
}

func TestRunTickDispatchFailureAdvancesStatus(t *testing.T) {
	engine, db, fp, fs := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "97", 60)
	fs.err = errors.New("channel unreachable")

	fp.set("97", true)
	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertSentCount)
	assert.Equal(t, 1, summary.ErrorCount)

	got := reload(t, db, sub.ID)
	assert.Equal(t, TristateTrue, got.LastKnownEnrollable, "status advances even when dispatch fails")
	assert.False(t, got.LastAlertedAt.Valid)

	runs := runsFor(t, db, sub.ID)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].AlertSent)
	assert.Contains(t, runs[0].ErrorText.String, "channel unreachable")

	// Next tick: still open, edge consumed, alert is not retried.
	fs.err = nil
	summary, err = engine.RunTick(ctx, tickBase.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.AlertSentCount)
	assert.Equal(t, 0, fs.sentCount())
}

func TestRunTickIsolatesFailuresAcrossBatch(t *testing.T) {
	engine, db, fp, _ := newTestEngine(t)
	ctx := context.Background()

	okSub := seedSubscription(t, db, "31", 60)
	badSub := seedSubscription(t, db, "181", 60)

	fp.set("31", false)
	fp.setErr("181", errors.New("timeout"))

	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ProcessedCount)
	assert.Equal(t, 1, summary.ErrorCount)

	assert.Equal(t, TristateFalse, reload(t, db, okSub.ID).LastKnownEnrollable)
	assert.Equal(t, TristateUnknown, reload(t, db, badSub.ID).LastKnownEnrollable)
}

func TestRunTickEmptyDueSetIsZeroEffect(t *testing.T) {
	engine, db, fp, _ := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "31", 60)
	fp.set("31", false)

	_, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	before := reload(t, db, sub.ID)

	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalActive)
	assert.Equal(t, 0, summary.DueCount)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.Equal(t, 0, summary.AlertSentCount)
	assert.Equal(t, 0, summary.ErrorCount)

	after := reload(t, db, sub.ID)
	assert.Equal(t, before.LastKnownEnrollable, after.LastKnownEnrollable)
	assert.True(t, before.LastCheckedAt.Time.Equal(after.LastCheckedAt.Time))
	assert.Len(t, runsFor(t, db, sub.ID), 1)
}

func TestRunTickSkipsInactiveSubscriptions(t *testing.T) {
	engine, db, fp, _ := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "31", 60)
	require.NoError(t, db.Model(sub).Update("active", false).Error)
	fp.set("31", true)

	summary, err := engine.RunTick(ctx, tickBase)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalActive)
	assert.Equal(t, 0, summary.DueCount)
	assert.Empty(t, runsFor(t, db, sub.ID))
}

func TestRunTickRejectsOverlap(t *testing.T) {
	engine, db, fp, _ := newTestEngine(t)
	ctx := context.Background()

	seedSubscription(t, db, "31", 60)
	fp.set("31", false)
	fp.block = make(chan struct{})
	fp.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := engine.RunTick(ctx, tickBase)
		done <- err
	}()

	// Wait until the first tick is inside the probe call.
	<-fp.entered

	_, err := engine.RunTick(ctx, tickBase)
	assert.ErrorIs(t, err, ErrTickInFlight)

	close(fp.block)
	require.NoError(t, <-done)

	// Uncontended again once the first tick finished.
	summary, err := engine.RunTick(ctx, tickBase.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProcessedCount)
}

func TestRunTickAlertTimestampNeverAfterCheck(t *testing.T) {
	engine, db, fp, _ := newTestEngine(t)
	ctx := context.Background()

	sub := seedSubscription(t, db, "31", 60)

	states := []bool{false, true, true, false, true}
	for i, enrollable := range states {
		fp.set("31", enrollable)
		_, err := engine.RunTick(ctx, tickBase.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)

		got := reload(t, db, sub.ID)
		if got.LastAlertedAt.Valid {
			require.True(t, got.LastCheckedAt.Valid)
			assert.False(t, got.LastAlertedAt.Time.After(got.LastCheckedAt.Time))
		}
	}
}

func TestDueSubscriptions(t *testing.T) {
	never := Subscription{Active: true, IntervalSeconds: 60}
	never.ID = 1
	fresh := Subscription{Active: true, IntervalSeconds: 60}
	fresh.ID = 2
	fresh.LastCheckedAt = nullTime(tickBase.Add(-30 * time.Second))
	elapsed := Subscription{Active: true, IntervalSeconds: 60}
	elapsed.ID = 3
	elapsed.LastCheckedAt = nullTime(tickBase.Add(-65 * time.Second))
	exact := Subscription{Active: true, IntervalSeconds: 60}
	exact.ID = 4
	exact.LastCheckedAt = nullTime(tickBase.Add(-60 * time.Second))
	inactive := Subscription{Active: false, IntervalSeconds: 60}
	inactive.ID = 5

	due := dueSubscriptions(tickBase, Subscriptions{never, fresh, elapsed, exact, inactive})

	ids := make([]uint, len(due))
	for i, sub := range due {
		ids[i] = sub.ID
	}
	assert.Equal(t, []uint{1, 3, 4}, ids)
}
