package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/leafsii/leafsii-farming/internal/host"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	HeaderPrincipal = "X-Principal"
	// HeaderSignature carries the hex compact signature over SigningPayload.
	HeaderSignature = "X-Signature"
	// HeaderTimestamp is the signing time in unix milliseconds.
	HeaderTimestamp = "X-Timestamp"

	// DefaultSignatureWindow bounds clock skew and how long a signature stays usable.
	DefaultSignatureWindow = 5 * time.Minute

	maxSignedBody = 1 << 20
)

type principalKey struct{}

// principal is the authenticated caller, empty on unauthenticated routes.
func principal(r *http.Request) string {
	p, _ := r.Context().Value(principalKey{}).(string)
	return p
}

// SigningPayload is what a client signs: method, path, timestamp and raw body.
func SigningPayload(method, path, timestamp string, body []byte) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(timestamp)+len(body)+3)
	payload = append(payload, method...)
	payload = append(payload, ' ')
	payload = append(payload, path...)
	payload = append(payload, '\n')
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	return append(payload, body...)
}

// ReplayGuard rejects a signed payload it has already accepted.
type ReplayGuard interface {
	Claim(ctx context.Context, principal string, digest []byte) (bool, error)
}

var (
	errStaleRequest    = errors.New("request timestamp outside the accepted window")
	errReplayedRequest = errors.New("request already processed")
)

type Middleware struct {
	logger     *zap.SugaredLogger
	metrics    MetricsInterface
	authorizer host.Authorizer
	replay     ReplayGuard
	window     time.Duration
	now        func() time.Time
}

type MiddlewareOption func(*Middleware)

// WithReplayProtection remembers accepted signatures and only takes
// timestamps within window of the server clock.
func WithReplayProtection(guard ReplayGuard, window time.Duration) MiddlewareOption {
	return func(m *Middleware) {
		m.replay = guard
		if window > 0 {
			m.window = window
		}
	}
}

func NewMiddleware(logger *zap.SugaredLogger, metrics MetricsInterface, authorizer host.Authorizer, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		logger:     logger,
		metrics:    metrics,
		authorizer: authorizer,
		window:     DefaultSignatureWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate resolves the caller from X-Principal and X-Signature and stores
// it on the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
		if err != nil || len(body) > maxSignedBody {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller := host.NormalizePrincipal(r.Header.Get(HeaderPrincipal))
		sig, err := hex.DecodeString(strings.TrimPrefix(r.Header.Get(HeaderSignature), "0x"))
		if err != nil {
			writeUnauthorized(w, "signature must be hex")
			return
		}
		stamp := r.Header.Get(HeaderTimestamp)
		payload := SigningPayload(r.Method, r.URL.Path, stamp, body)
		if err := m.authorizer.Authorize(r.Context(), caller, payload, sig); err != nil {
			m.logger.Debugw("Authentication failed", "principal", caller, "path", r.URL.Path, "error", err)
			writeUnauthorized(w, err.Error())
			return
		}
		// Unsigned requests only get this far under the trust authorizer.
		if len(sig) > 0 {
			if err := m.checkFresh(r.Context(), caller, stamp, payload); err != nil {
				if errors.Is(err, errStaleRequest) || errors.Is(err, errReplayedRequest) {
					m.logger.Warnw("Rejected signed request", "principal", caller, "path", r.URL.Path, "error", err)
					writeUnauthorized(w, err.Error())
					return
				}
				m.logger.Errorw("Replay check failed", "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(ErrorResponse{Code: "UNAVAILABLE", Message: "cannot verify request freshness"})
				return
			}
		}

		ctx := context.WithValue(r.Context(), principalKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) checkFresh(ctx context.Context, caller, stamp string, payload []byte) error {
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s must be unix milliseconds", errStaleRequest, HeaderTimestamp)
	}
	skew := m.now().Sub(time.UnixMilli(ms))
	if skew > m.window || skew < -m.window {
		return fmt.Errorf("%w: skew %s exceeds %s", errStaleRequest, skew.Round(time.Second), m.window)
	}
	if m.replay == nil {
		return nil
	}
	fresh, err := m.replay.Claim(ctx, caller, host.Keccak256(payload))
	if err != nil {
		return err
	}
	if !fresh {
		return errReplayedRequest
	}
	return nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(ErrorResponse{Code: "UNAUTHENTICATED", Message: msg})
}

// CORS middleware
func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderPrincipal, HeaderSignature, HeaderTimestamp, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// Rate limiting middleware
func (m *Middleware) RateLimit(rpm int) func(http.Handler) http.Handler {
	burst := rpm / 6 // Allow burst of 1/6th of rpm
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Request logging middleware
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			duration := time.Since(start)

			m.logger.Infow("HTTP request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", ww.Status(),
				"size", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"principal", r.Header.Get(HeaderPrincipal),
			)

			if m.metrics != nil {
				m.metrics.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), ww.Status(), duration)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

// routePattern keeps metric cardinality bounded by labelling with the chi
// pattern rather than the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// Security headers middleware
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// Recovery middleware with structured logging
func (m *Middleware) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				m.logger.Errorw("Panic recovered",
					"panic", rvr,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Request ID middleware
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Timeout middleware
func (m *Middleware) Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "Request timeout")
	}
}
