// Package httpapi is the HTTP surface: the authorization gateway plus
// the billing route handlers that feed the payment ledger.
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

	"github.com/justinas/alice"

	"rigrent.io/internal/auth"
	"rigrent.io/internal/ledger"
	"rigrent.io/internal/obs"
	"rigrent.io/internal/policy"
	"rigrent.io/internal/stream"
)

// ReadyProbe is a simple readiness check (for example, a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	ledger    ledger.Service
	users     auth.Store
	evaluator *policy.Evaluator
	events    *stream.Hub

	loginPath  string
	rateBurst  int
	ratePerSec int
}

// Option adjusts API construction.
type Option func(*API)

// WithLoginPath sets the redirect target for browser-facing denials.
func WithLoginPath(path string) Option {
	return func(a *API) {
		if path != "" {
			a.loginPath = path
		}
	}
}

// WithRateLimits sets the per-client token bucket parameters.
func WithRateLimits(burst, perSec int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSec
	}
}

// New wires the route table. The evaluator must be non-nil: a service
// without a policy table must not start.
func New(rp ReadyProbe, version string, ldg ledger.Service, users auth.Store, evaluator *policy.Evaluator, events *stream.Hub, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		ledger:     ldg,
		users:      users,
		evaluator:  evaluator,
		events:     events,
		loginPath:  "/login",
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	// Browser denials redirect here; without a UI bundle, point the
	// caller at the login operation instead of a 404.
	if strings.HasPrefix(a.loginPath, "/") {
		a.mux.HandleFunc(a.loginPath, a.loginPage)
	}

	a.mux.HandleFunc("/api/billing/invoices", a.handleInvoicesCollection)
	a.mux.HandleFunc("/api/billing/invoices/", a.handleInvoiceResource)
	a.mux.HandleFunc("/api/admin/invoices/", a.handleAdminInvoice)
	a.mux.HandleFunc("/api/admin/events", a.StreamEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "rigrent-api",
			"version": a.version,
		})
	})

	return a
}

// Handler returns the full middleware stack around the mux. The
// gateway sits inside logging and rate limiting so every rejection is
// still observable.
func (a *API) Handler() http.Handler {
	chain := alice.New(
		obs.Instrument,
		RequestID,
		LoggingJSON,
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, 1<<20) },
		SecurityHeaders,
		func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) },
		a.Gateway,
	)
	return chain.Then(a.mux)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rigrent-api",
		"version": a.version,
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
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) loginPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "authenticate via POST /api/auth/login",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "rigrent-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// StreamEvents handles Server-Sent Events for invoice status
// transitions; the notification worker consumes this feed.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.events.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
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
