// Package api implements the read-side HTTP surface, per spec.md §4.C11:
// plain net/http handlers registered on a *http.ServeMux (the teacher's own
// mux-free routing style in internal/relay/handler.go), backed entirely by
// the store gateway.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cattlefeed/ingest/internal/apperr"
	"github.com/cattlefeed/ingest/internal/authctx"
	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/logger"
	"github.com/cattlefeed/ingest/internal/store"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 720
	defaultRollupDays   = 7
	defaultAnomalyDays  = 30
)

// Store is the subset of *store.Store the read API queries.
type Store interface {
	SensorHistory(ctx context.Context, animalID string, start, end time.Time) ([]domain.RawSample, error)
	SessionsForAnimal(ctx context.Context, animalID string, start, end time.Time) ([]domain.Session, error)
	DailyRollup(ctx context.Context, animalID string, since time.Time) ([]domain.DailyRollup, error)
	AnomaliesForFarmer(ctx context.Context, farmerID string, since time.Time) ([]store.AnomalyListItem, error)
	AnomaliesForAnimal(ctx context.Context, animalID string, since time.Time) ([]store.AnomalyListItem, error)
	AnimalOwner(ctx context.Context, animalID string) (string, error)
}

// Server wires the read API's handlers onto a mux.
type Server struct {
	store Store
	auth  *authctx.Verifier
	clk   clock.Clock
}

func New(store Store, auth *authctx.Verifier, clk clock.Clock) *Server {
	return &Server{store: store, auth: auth, clk: clk}
}

// Register attaches every C11 route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /animals/{animalID}/sensor-history", s.withAnimalAuth(s.handleSensorHistory))
	mux.HandleFunc("GET /animals/{animalID}/sessions", s.withAnimalAuth(s.handleSessions))
	mux.HandleFunc("GET /animals/{animalID}/rollup/daily", s.withAnimalAuth(s.handleDailyRollup))
	mux.HandleFunc("GET /animals/{animalID}/rollup/weekly", s.withAnimalAuth(s.handleWeeklyRollup))
	mux.HandleFunc("GET /animals/{animalID}/anomalies", s.withAnimalAuth(s.handleAnomaliesForAnimal))
	mux.HandleFunc("GET /farmers/{farmerID}/anomalies", s.withFarmerAuth(s.handleAnomaliesForFarmer))
}

// withAnimalAuth authenticates the request and checks that the caller owns
// animalID, mapping authorization failures to the apperr kinds spec.md §7
// wants surfaced as 403/404.
func (s *Server) withAnimalAuth(next func(w http.ResponseWriter, r *http.Request, animalID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmerID, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		animalID := r.PathValue("animalID")

		owner, err := s.store.AnimalOwner(r.Context(), animalID)
		if errors.Is(err, sql.ErrNoRows) {
			writeAppErr(w, apperr.NotFound("animal not found"))
			return
		}
		if err != nil {
			writeAppErr(w, apperr.Internal("look up animal owner", err))
			return
		}
		if owner != farmerID {
			writeAppErr(w, apperr.AccessDenied("animal not owned by caller"))
			return
		}

		r = r.WithContext(authctx.WithFarmerID(r.Context(), farmerID))
		logAuthenticatedAccess(r, animalID)
		next(w, r, animalID)
	}
}

// logAuthenticatedAccess records the caller farmer id stashed in r's context
// by withAnimalAuth/withFarmerAuth, for request audit logging.
func logAuthenticatedAccess(r *http.Request, resourceID string) {
	if farmerID, ok := authctx.FarmerID(r.Context()); ok {
		logger.Debug("authenticated request", "farmer_id", farmerID, "resource_id", resourceID, "path", r.URL.Path)
	}
}

func (s *Server) withFarmerAuth(next func(w http.ResponseWriter, r *http.Request, farmerID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authFarmerID, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		pathFarmerID := r.PathValue("farmerID")
		if pathFarmerID != authFarmerID {
			writeAppErr(w, apperr.AccessDenied("farmer not owned by caller"))
			return
		}
		r = r.WithContext(authctx.WithFarmerID(r.Context(), authFarmerID))
		logAuthenticatedAccess(r, authFarmerID)
		next(w, r, authFarmerID)
	}
}

func (s *Server) handleSensorHistory(w http.ResponseWriter, r *http.Request, animalID string) {
	hours := queryInt(r, "hours", defaultHistoryHours)
	if hours > maxHistoryHours {
		hours = maxHistoryHours
	}
	end := s.clk.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	samples, err := s.store.SensorHistory(r.Context(), animalID, start, end)
	if err != nil {
		writeAppErr(w, apperr.Internal("sensor history", err))
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, animalID string) {
	var start, end time.Time
	if v := r.URL.Query().Get("start"); v != "" {
		start, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, _ = time.Parse(time.RFC3339, v)
	}

	sessions, err := s.store.SessionsForAnimal(r.Context(), animalID, start, end)
	if err != nil {
		writeAppErr(w, apperr.Internal("session list", err))
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDailyRollup(w http.ResponseWriter, r *http.Request, animalID string) {
	days := queryInt(r, "days", defaultRollupDays)
	since := s.clk.Now().AddDate(0, 0, -days)

	rollup, err := s.store.DailyRollup(r.Context(), animalID, since)
	if err != nil {
		writeAppErr(w, apperr.Internal("daily rollup", err))
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

// dailyRollupWithSessions attaches the day's own eating sessions to its
// aggregate, per spec.md §4.C11's daily breakdown ("each with its daily
// breakdown and per-day session list") — grounded on
// original_source/backend-fastapi-3/api/endpoints/cow.py's
// get_cow_weekly_summary, which attaches day['sessions'] to every day of
// each week via get_sessions_for_date.
type dailyRollupWithSessions struct {
	domain.DailyRollup
	Sessions []domain.Session `json:"sessions"`
}

// weeklyRollup is the current week plus the previous week, each broken down
// by day with its sessions, per spec.md §4.C11.
type weeklyRollup struct {
	Week  string                    `json:"week"`
	Daily []dailyRollupWithSessions `json:"daily"`
}

func (s *Server) handleWeeklyRollup(w http.ResponseWriter, r *http.Request, animalID string) {
	now := s.clk.Now()
	currentWeekStart := startOfWeek(now)
	previousWeekStart := currentWeekStart.AddDate(0, 0, -7)
	windowEnd := currentWeekStart.AddDate(0, 0, 7)

	allDaily, err := s.store.DailyRollup(r.Context(), animalID, previousWeekStart)
	if err != nil {
		writeAppErr(w, apperr.Internal("weekly rollup", err))
		return
	}

	sessions, err := s.store.SessionsForAnimal(r.Context(), animalID, previousWeekStart, windowEnd)
	if err != nil {
		writeAppErr(w, apperr.Internal("weekly rollup", err))
		return
	}
	byDay := make(map[string][]domain.Session, len(allDaily))
	for _, sess := range sessions {
		key := sess.Start.Truncate(24 * time.Hour).Format("2006-01-02")
		byDay[key] = append(byDay[key], sess)
	}

	current := weeklyRollup{Week: currentWeekStart.Format("2006-01-02")}
	previous := weeklyRollup{Week: previousWeekStart.Format("2006-01-02")}
	for _, d := range allDaily {
		day := dailyRollupWithSessions{DailyRollup: d, Sessions: byDay[d.Day.Format("2006-01-02")]}
		if !d.Day.Before(currentWeekStart) {
			current.Daily = append(current.Daily, day)
		} else {
			previous.Daily = append(previous.Daily, day)
		}
	}

	writeJSON(w, http.StatusOK, map[string]weeklyRollup{"current": current, "previous": previous})
}

func (s *Server) handleAnomaliesForAnimal(w http.ResponseWriter, r *http.Request, animalID string) {
	days := queryInt(r, "days", defaultAnomalyDays)
	since := s.clk.Now().AddDate(0, 0, -days)

	items, err := s.store.AnomaliesForAnimal(r.Context(), animalID, since)
	if err != nil {
		writeAppErr(w, apperr.Internal("anomaly listing", err))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAnomaliesForFarmer(w http.ResponseWriter, r *http.Request, farmerID string) {
	days := queryInt(r, "days", defaultAnomalyDays)
	since := s.clk.Now().AddDate(0, 0, -days)

	items, err := s.store.AnomaliesForFarmer(r.Context(), farmerID, since)
	if err != nil {
		writeAppErr(w, apperr.Internal("anomaly listing", err))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func startOfWeek(t time.Time) time.Time {
	t = t.Truncate(24 * time.Hour)
	offset := int(t.Weekday())
	return t.AddDate(0, 0, -offset)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeAppErr maps an apperr.Kind to its HTTP status, per spec.md §7.
func writeAppErr(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.KindAccessDenied:
		writeError(w, http.StatusForbidden, err.Error())
	case apperr.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
