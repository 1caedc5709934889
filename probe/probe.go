package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/carlmjohnson/requests"
	"github.com/nathanplt/bruin-watch/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Section is one lecture or discussion row of the schedule results page.
// EnrollablePath is only set on lecture rows: it marks whether that
// lecture plus one of its discussions forms an open path into the course.
type Section struct {
	Name           string `json:"section"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	IsOpen         bool   `json:"is_open"`
	EnrollablePath *bool  `json:"enrollable_path,omitempty"`
}

type CourseStatus struct {
	CourseNumber string    `json:"course_number"`
	CourseTitle  string    `json:"course_title"`
	Term         string    `json:"term"`
	IsEnrollable bool      `json:"enrollable"`
	Sections     []Section `json:"sections"`
}

// CourseProbe fetches the live status snapshot for one course in one term.
type CourseProbe interface {
	Check(ctx context.Context, courseNumber, term string) (*CourseStatus, error)
}

func NewCourseProbe(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) CourseProbe {
	return &scheduleProbe{log, cfg, transport}
}

type scheduleProbe struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}

func (p *scheduleProbe) Check(ctx context.Context, courseNumber, term string) (*CourseStatus, error) {
	course, err := NormalizeCourseNumber(courseNumber)
	if err != nil {
		return nil, err
	}
	trm, err := NormalizeTerm(term)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(p.cfg.Schedule.ProbeTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var page string
	err = requests.URL(p.cfg.Schedule.BaseURL).
		Param("t", trm).
		Param("subj", subjectArea).
		Param("course", course).
		Transport(p.transport).
		ToString(&page).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch schedule page for %s %s: %w", subjectArea, course, err)
	}

	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse schedule page: %w", err)
	}

	status, err := parseCourse(doc, course, trm)
	if err != nil {
		return nil, err
	}

	p.log.Sugar().Debugw("Probed course",
		"course", course, "term", trm,
		"enrollable", status.IsEnrollable, "sections", len(status.Sections))
	return status, nil
}
