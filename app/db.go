package app

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/nathanplt/bruin-watch/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func NewDatabase(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{})
	if err != nil {
		log.Sugar().Panic("failed to connect database", "err", err)
	}
	log.Info("Database started")

	log.Info("Starting migrations")
	db.AutoMigrate(
		&Subscription{},
		&Run{},
	)
	return db
}

// Tristate is a three-valued enrollable flag: unknown until the first
// successful probe, then false or true. Persisted as a nullable boolean.
// "Unknown" must stay distinct from "false" so that the very first open
// observation after creation still counts as a rising edge.
type Tristate int8

const (
	TristateUnknown Tristate = iota
	TristateFalse
	TristateTrue
)

func TristateOf(b bool) Tristate {
	if b {
		return TristateTrue
	}
	return TristateFalse
}

func (t Tristate) Known() bool { return t != TristateUnknown }

func (t Tristate) Bool() bool { return t == TristateTrue }

func (t Tristate) String() string {
	switch t {
	case TristateFalse:
		return "false"
	case TristateTrue:
		return "true"
	default:
		return "unknown"
	}
}

func (t Tristate) Value() (driver.Value, error) {
	switch t {
	case TristateFalse:
		return false, nil
	case TristateTrue:
		return true, nil
	default:
		return nil, nil
	}
}

func (t *Tristate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = TristateUnknown
	case bool:
		*t = TristateOf(v)
	case int64:
		*t = TristateOf(v != 0)
	default:
		return fmt.Errorf("cannot scan %T into Tristate", src)
	}
	return nil
}

// Subscription is one watched (course, term, destination) triple.
// Status fields are mutated only by the engine after each check attempt;
// Active is the only field administrative requests may toggle.
type Subscription struct {
	gorm.Model
	CourseNumber    string `gorm:"index:idx_course_term"` // Composite index on course & term
	Term            string `gorm:"index:idx_course_term"`
	Destination     string
	IntervalSeconds int
	Active          bool

	LastKnownEnrollable Tristate
	LastCheckedAt       sql.NullTime
	LastAlertedAt       sql.NullTime

	Runs []Run `gorm:"constraint:OnDelete:CASCADE"`
}

type Subscriptions []Subscription

func (s *Subscription) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// dueAt reports whether the subscription's poll interval has elapsed.
// A never-checked subscription is always due.
func (s *Subscription) dueAt(now time.Time) bool {
	if !s.Active {
		return false
	}
	if !s.LastCheckedAt.Valid {
		return true
	}
	return now.Sub(s.LastCheckedAt.Time) >= s.Interval()
}

// Run is one immutable record of a single check attempt. Created by the
// engine only; removed only by cascade when its subscription is deleted.
type Run struct {
	ID             uint `gorm:"primarykey"`
	SubscriptionID uint `gorm:"index"`
	CheckedAt      time.Time
	IsEnrollable   Tristate
	AlertSent      bool
	DeliveryID     sql.NullString
	ErrorText      sql.NullString
	DurationMs     int64
}
