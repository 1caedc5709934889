package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nathanplt/bruin-watch/config"
	"github.com/nathanplt/bruin-watch/probe"
	"github.com/nathanplt/bruin-watch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const maxIntervalSeconds = 3600

type Service struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	probe  probe.CourseProbe
	engine *Engine
}

func NewService(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB, courseProbe probe.CourseProbe, engine *Engine) *Service {
	return &Service{cfg, log, db, courseProbe, engine}
}

// CheckCourse probes a course once without touching any subscription.
func (svc *Service) CheckCourse(ctx context.Context, courseNumber, term string) (*probe.CourseStatus, error) {
	return svc.probe.Check(ctx, courseNumber, term)
}

// RunTickNow triggers an on-demand tick through the exact same pipeline
// as the scheduled one.
func (svc *Service) RunTickNow(ctx context.Context) (*TickSummary, error) {
	return svc.engine.RunTick(ctx, time.Now().UTC())
}

type CreateNotifierParams struct {
	CourseNumber    string
	Term            string
	Destination     string
	IntervalSeconds int
}

// CreateNotifier validates and stores a new subscription. Status fields
// start unknown/null so the first open observation counts as a rising
// edge. Duplicate (course, term) subscriptions are permitted.
func (svc *Service) CreateNotifier(ctx context.Context, params CreateNotifierParams) (*Subscription, error) {
	course, err := probe.NormalizeCourseNumber(params.CourseNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	term := params.Term
	if term == "" {
		term = svc.cfg.Schedule.DefaultTerm
	}
	term, err = probe.NormalizeTerm(term)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if _, err := senders.PlatformFor(params.Destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	interval := params.IntervalSeconds
	if interval == 0 {
		interval = 60
	}
	if min := svc.cfg.Schedule.MinIntervalSecs; interval < min {
		return nil, fmt.Errorf("%w: interval_seconds must be at least %d", ErrInvalidInput, min)
	}
	if interval > maxIntervalSeconds {
		return nil, fmt.Errorf("%w: interval_seconds must be at most %d", ErrInvalidInput, maxIntervalSeconds)
	}

	sub := &Subscription{
		CourseNumber:    course,
		Term:            term,
		Destination:     params.Destination,
		IntervalSeconds: interval,
		Active:          true,
	}
	tx := svc.db.Clauses(clause.Returning{}).Create(sub)
	if err := tx.Error; err != nil {
		return nil, err
	}

	svc.log.Sugar().Infof("Created notifier id:%v for COM SCI %s (%s)", sub.ID, course, term)
	return sub, nil
}

func (svc *Service) GetNotifier(ctx context.Context, id uint) (*Subscription, error) {
	sub := &Subscription{}
	tx := svc.db.First(sub, id)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListNotifiers returns every subscription, newest first, with the
// latest run of each.
func (svc *Service) ListNotifiers(ctx context.Context) (Subscriptions, map[uint]*Run, error) {
	var subs Subscriptions
	tx := svc.db.Order("created_at desc").Find(&subs)
	if err := tx.Error; err != nil {
		return nil, nil, err
	}

	ids := make([]uint, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	latest, err := svc.latestRuns(ids)
	if err != nil {
		return nil, nil, err
	}
	return subs, latest, nil
}

func (svc *Service) latestRuns(ids []uint) (map[uint]*Run, error) {
	latest := make(map[uint]*Run)
	if len(ids) == 0 {
		return latest, nil
	}

	var runs []Run
	tx := svc.db.Where("subscription_id IN ?", ids).Order("checked_at desc").Find(&runs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	for i := range runs {
		run := &runs[i]
		if _, ok := latest[run.SubscriptionID]; !ok {
			latest[run.SubscriptionID] = run
		}
	}
	return latest, nil
}

// PatchNotifier toggles the active flag. Every other field is owned by
// the engine or immutable after creation.
func (svc *Service) PatchNotifier(ctx context.Context, id uint, active bool) (*Subscription, error) {
	tx := svc.db.Model(&Subscription{}).Where("id = ?", id).Update("active", active)
	if err := tx.Error; err != nil {
		return nil, err
	}
	if tx.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return svc.GetNotifier(ctx, id)
}

// DeleteNotifier removes a subscription and its whole run history.
func (svc *Service) DeleteNotifier(ctx context.Context, id uint) error {
	return svc.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Unscoped().Delete(&Subscription{}, id)
		if err := res.Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("subscription_id = ?", id).Delete(&Run{}).Error
	})
}
