// Package api exposes the facility information service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"facilityapi/internal/auth"
	"facilityapi/internal/beamline"
	"facilityapi/internal/facility"
	"facilityapi/internal/jobs"
	"facilityapi/internal/metrics"
	"facilityapi/internal/proposal"
	"facilityapi/internal/store"
	"facilityapi/internal/upstream/people"
)

// PeopleDirectory is the slice of the people client the person endpoints
// need.
type PeopleDirectory interface {
	ByUsername(ctx context.Context, username string) (people.Person, error)
	ByEmail(ctx context.Context, email string) (people.Person, error)
	ByDepartment(ctx context.Context, department string) ([]people.Person, error)
}

// Server routes HTTP requests to the domain services.
type Server struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	auth       *auth.Service
	facilities *facility.Service
	beamlines  *beamline.Service
	proposals  *proposal.Service
	engine     *jobs.Engine
	people     PeopleDirectory
	store      store.Store
	started    time.Time
	version    string
}

// Config collects the dependencies of a Server.
type Config struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Auth       *auth.Service
	Facilities *facility.Service
	Beamlines  *beamline.Service
	Proposals  *proposal.Service
	Engine     *jobs.Engine
	People     PeopleDirectory
	Store      store.Store
	Version    string
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		logger:     logger,
		metrics:    cfg.Metrics,
		auth:       cfg.Auth,
		facilities: cfg.Facilities,
		beamlines:  cfg.Beamlines,
		proposals:  cfg.Proposals,
		engine:     cfg.Engine,
		people:     cfg.People,
		store:      cfg.Store,
		started:    time.Now().UTC(),
		version:    version,
	}
}

// Handler returns the full middleware-wrapped HTTP handler, including the
// metrics endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/v1/", s.middleware(http.HandlerFunc(s.serveV1)))
	return mux
}

func (s *Server) serveV1(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1"), "/")
	switch {
	case path == "/stats":
		s.handleStats(w, r)
	case path == "/about":
		s.handleAbout(w, r)
	case path == "/healthy":
		s.handleHealthy(w, r)
	case path == "/facilities":
		s.handleListFacilities(w, r)
	case strings.HasPrefix(path, "/facility/"):
		s.serveFacility(w, r, strings.TrimPrefix(path, "/facility/"))
	case path == "/beamlines":
		s.handleListBeamlines(w, r)
	case strings.HasPrefix(path, "/beamline/"):
		s.serveBeamline(w, r, strings.TrimPrefix(path, "/beamline/"))
	case path == "/proposals" || strings.HasPrefix(path, "/proposals/") ||
		strings.HasPrefix(path, "/proposal/"):
		s.serveProposal(w, r, path)
	case strings.HasPrefix(path, "/person/"):
		s.servePerson(w, r, strings.TrimPrefix(path, "/person/"))
	case strings.HasPrefix(path, "/data-session/"):
		s.handleDataSessionAccess(w, r, strings.TrimPrefix(path, "/data-session/"))
	case strings.HasPrefix(path, "/data-sessions/"):
		s.handleDataSessionLookup(w, r, strings.TrimPrefix(path, "/data-sessions/"))
	case strings.HasPrefix(path, "/sync/") || strings.HasPrefix(path, "/jobs/"):
		s.serveJobs(w, r, path)
	case strings.HasPrefix(path, "/cycle/"):
		s.serveCycleLock(w, r, strings.TrimPrefix(path, "/cycle/"))
	case strings.HasPrefix(path, "/admin/"):
		s.serveAdmin(w, r, strings.TrimPrefix(path, "/admin/"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// writeServiceError translates domain errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var conflict store.ConflictError
	var precondition proposal.PreconditionError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, proposal.ErrNoPI):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, proposal.ErrMultiplePIs):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &precondition):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail":  precondition.Error(),
			"missing": precondition.Missing,
		})
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidKey):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// shift splits the first path segment off a relative path.
func shift(path string) (head, rest string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
