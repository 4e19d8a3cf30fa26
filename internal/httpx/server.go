package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
)

// NewRouter installs the shared middleware stack followed by mw. Routes
// registered afterwards see all of it.
func NewRouter(mw ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(mw...)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

// writeError maps err to a status code. Unclassified errors are logged and
// answered with fallback so internals never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, fallback string) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), fallback, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, code, errorBody(apperr.Message(err, fallback)))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("Invalid JSON body")
	}
	return nil
}

// Limiter is satisfied by *redisx.Limiter.
type Limiter interface {
	Allow(ctx context.Context, scope, client string) (bool, error)
}

// RateLimit rejects a client over its window with 429. Limiter errors let
// the request through.
func RateLimit(l Limiter, log *slog.Logger, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := l.Allow(r.Context(), scope, clientIP(r))
			if err != nil {
				log.WarnContext(r.Context(), "rate limiter unavailable", "scope", scope, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				writeJSON(w, http.StatusTooManyRequests, errorBody("Too many requests. Please try again later."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
