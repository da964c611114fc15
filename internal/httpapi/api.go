package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/api/spec"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/obs"
)

// ReadyProbe answers the /readyz check, pinging the database when one is
// configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the HTTP-layer knobs from config.
type Options struct {
	Version        string
	Production     bool
	AllowedOrigins []string
	RatePerSecond  int
	RateBurst      int
	BodyMaxBytes   int64
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	readyProbe ReadyProbe
	opts       Options
}

// New wires the routes. The auth service is mandatory; every /api route is
// dispatched through it.
func New(authSvc *auth.Service, rp ReadyProbe, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       authSvc,
		readyProbe: rp,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/auth/register", a.handleRegister)
	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	a.mux.Handle("/api/auth/logout", a.requireAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/api/auth/verify", a.requireAuth(http.HandlerFunc(a.handleVerify)))
	a.mux.Handle("/api/auth/me", a.requireAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/api/auth/profile", a.requireAuth(http.HandlerFunc(a.handleProfile)))
	a.mux.Handle("/api/auth/change-password", a.requireAuth(http.HandlerFunc(a.handleChangePassword)))
	a.mux.Handle("/api/auth/status", a.optionalAuth(http.HandlerFunc(a.handleStatus)))

	a.mux.Handle("/api/api-tokens", a.requireAdmin(http.HandlerFunc(a.handleTokens)))
	a.mux.Handle("/api/api-tokens/", a.requireAdmin(http.HandlerFunc(a.handleTokenScoped)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, a.opts.BodyMaxBytes)
	h = RateLimit(h, a.opts.RatePerSecond, a.opts.RateBurst)
	h = CORS(h, a.opts.AllowedOrigins, !a.opts.Production)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "epsoldev-backend",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSuccess renders the {success, message, data} envelope the site's
// dashboard consumes.
func writeSuccess(w http.ResponseWriter, code int, message string, data any) {
	payload := map[string]any{"success": true}
	if message != "" {
		payload["message"] = message
	}
	if data != nil {
		payload["data"] = data
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeInternalError logs the cause and answers 500. Outside production the
// body carries the internal detail; production responses stay opaque.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	obs.LogJSON("error", "internal_error", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"err":        err.Error(),
	})
	payload := map[string]any{
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if !a.opts.Production {
		payload["error"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON relies on the MaxBodyBytes middleware for size enforcement so
// the configured limit applies uniformly.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
