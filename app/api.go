package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nathanplt/bruin-watch/config"
	"github.com/nathanplt/bruin-watch/probe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *Service) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc *Service) http.Handler {
	ctrl := &controller{log, svc}
	limiter := newKeyedLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, 10*time.Minute, nil)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthEnabled() {
			r.Use(requireHeaderToken("X-API-Key", cfg.APIKey))
		} else {
			log.Sugar().Info("Auth is disabled since no API key is defined")
		}
		r.Use(rateLimit(limiter))

		r.Post("/check", ctrl.checkCourse)

		r.Route("/notifiers", func(r chi.Router) {
			r.Get("/", ctrl.listNotifiers)
			r.Post("/", ctrl.createNotifier)
			r.Patch("/{notifier_id}", ctrl.patchNotifier)
			r.Delete("/{notifier_id}", ctrl.deleteNotifier)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		if cfg.AuthEnabled() {
			r.Use(requireHeaderToken("X-Scheduler-Token", cfg.SchedulerToken))
		}
		r.Post("/scheduler-tick", ctrl.schedulerTick)
	})

	return r
}

// requireHeaderToken guards a subtree with a constant-time check of a
// shared-secret header.
func requireHeaderToken(header, want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit keys limiting by the presented API key, falling back to the
// client address for unauthenticated development setups.
func rateLimit(limiter *keyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiter.Allow(key) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type controller struct {
	log *zap.Logger
	svc *Service
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

func (ctrl *controller) rejectErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		ctrl.reject(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		ctrl.reject(w, http.StatusNotFound, err)
	case errors.Is(err, ErrTickInFlight):
		ctrl.reject(w, http.StatusConflict, err)
	default:
		ctrl.reject(w, http.StatusInternalServerError, err)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
		return
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

type checkRequest struct {
	CourseNumber string `json:"course_number"`
	Term         string `json:"term"`
}

type checkView struct {
	CheckedAt time.Time `json:"checked_at"`
	*probe.CourseStatus
}

func (ctrl *controller) checkCourse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	status, err := ctrl.svc.CheckCourse(ctx, req.CourseNumber, req.Term)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, checkView{time.Now().UTC(), status})
}

type createNotifierRequest struct {
	CourseNumber    string `json:"course_number"`
	Term            string `json:"term"`
	Destination     string `json:"phone_to"`
	IntervalSeconds int    `json:"interval_seconds"`
}

func (ctrl *controller) createNotifier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createNotifierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	sub, err := ctrl.svc.CreateNotifier(ctx, CreateNotifierParams{
		CourseNumber:    req.CourseNumber,
		Term:            req.Term,
		Destination:     req.Destination,
		IntervalSeconds: req.IntervalSeconds,
	})
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusCreated, NotifierView{}.From(sub, nil))
}

func (ctrl *controller) listNotifiers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subs, latest, err := ctrl.svc.ListNotifiers(ctx)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}

	views := make([]NotifierView, len(subs))
	for i := range subs {
		views[i] = NotifierView{}.From(&subs[i], latest[subs[i].ID])
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"notifiers": views})
}

type patchNotifierRequest struct {
	Active bool `json:"active"`
}

func (ctrl *controller) patchNotifier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req patchNotifierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	sub, err := ctrl.svc.PatchNotifier(ctx, parseID(chi.URLParam(r, "notifier_id")), req.Active)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, NotifierView{}.From(sub, nil))
}

func (ctrl *controller) deleteNotifier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := ctrl.svc.DeleteNotifier(ctx, parseID(chi.URLParam(r, "notifier_id"))); err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"deleted": true})
}

func (ctrl *controller) schedulerTick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := ctrl.svc.RunTickNow(ctx)
	if err != nil {
		ctrl.rejectErr(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, summary)
}

func parseID(s string) uint {
	u, _ := strconv.ParseUint(s, 10, 64)
	return uint(u)
}
