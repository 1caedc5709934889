package app

import (
	"database/sql"
	"time"
)

type NotifierView struct {
	ID                  uint     `json:"id"`
	CourseNumber        string   `json:"course_number"`
	Term                string   `json:"term"`
	Destination         string   `json:"phone_to"`
	IntervalSeconds     int      `json:"interval_seconds"`
	Active              bool     `json:"active"`
	LastKnownEnrollable *bool    `json:"last_known_enrollable"`
	LastCheckedAt       *string  `json:"last_checked_at"`
	LastAlertedAt       *string  `json:"last_alerted_at"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
	LatestRun           *RunView `json:"latest_run,omitempty"`
}

type RunView struct {
	ID           uint    `json:"id"`
	NotifierID   uint    `json:"notifier_id"`
	CheckedAt    string  `json:"checked_at"`
	IsEnrollable *bool   `json:"is_enrollable"`
	AlertSent    bool    `json:"sms_sent"`
	DeliveryID   *string `json:"delivery_id"`
	ErrorText    *string `json:"error_text"`
	DurationMs   int64   `json:"duration_ms"`
}

func (view NotifierView) From(entity *Subscription, latest *Run) NotifierView {
	out := NotifierView{
		ID:                  entity.ID,
		CourseNumber:        entity.CourseNumber,
		Term:                entity.Term,
		Destination:         entity.Destination,
		IntervalSeconds:     entity.IntervalSeconds,
		Active:              entity.Active,
		LastKnownEnrollable: tristatePtr(entity.LastKnownEnrollable),
		LastCheckedAt:       isoformat(entity.LastCheckedAt),
		LastAlertedAt:       isoformat(entity.LastAlertedAt),
		CreatedAt:           entity.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           entity.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if latest != nil {
		run := RunView{}.From(latest)
		out.LatestRun = &run
	}
	return out
}

func (view RunView) From(entity *Run) RunView {
	return RunView{
		ID:           entity.ID,
		NotifierID:   entity.SubscriptionID,
		CheckedAt:    entity.CheckedAt.UTC().Format(time.RFC3339),
		IsEnrollable: tristatePtr(entity.IsEnrollable),
		AlertSent:    entity.AlertSent,
		DeliveryID:   stringPtr(entity.DeliveryID),
		ErrorText:    stringPtr(entity.ErrorText),
		DurationMs:   entity.DurationMs,
	}
}

func tristatePtr(t Tristate) *bool {
	if !t.Known() {
		return nil
	}
	b := t.Bool()
	return &b
}

func isoformat(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.UTC().Format(time.RFC3339)
	return &s
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
