package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"facilityapi/internal/auth"
	"facilityapi/pkg/domain"
)

type contextKey int

const principalKey contextKey = iota

// principal returns the authenticated principal of a request. Requests that
// carried no key resolve to the anonymous principal.
func principalFrom(ctx context.Context) auth.Principal {
	if p, ok := ctx.Value(principalKey).(auth.Principal); ok {
		return p
	}
	return auth.AnonymousPrincipal()
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware applies request-id handling, key verification, logging, and
// request metrics to every /v1 route.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		principal, err := s.auth.Verify(r.Context(), apiKeyFrom(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		route := routeLabel(r.URL.Path)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", requestID,
			"user", principal.Username,
		)
	})
}

// apiKeyFrom extracts the key from the X-API-Key header, a bearer token,
// or the api_key query parameter, in that order.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	if header != "" {
		return header
	}
	return r.URL.Query().Get("api_key")
}

// routeLabel collapses a request path to its first two segments so the
// metric label set stays bounded.
func routeLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return "/" + strings.Join(segments, "/")
}

// requireKey rejects anonymous requests.
func (s *Server) requireKey(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p := principalFrom(r.Context())
	if p.Anonymous {
		writeError(w, http.StatusUnauthorized, "a valid API key is required")
		return p, false
	}
	return p, true
}

// requireRole rejects requests below the given role.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role domain.Role) (auth.Principal, bool) {
	p, ok := s.requireKey(w, r)
	if !ok {
		return p, false
	}
	if !p.Role.AtLeast(role) {
		writeError(w, http.StatusForbidden, "insufficient role")
		return p, false
	}
	return p, true
}
