package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"drawchain/cfg"
	"drawchain/metrics"
	"drawchain/pkg/domain"
	"drawchain/svc/lim"
	"drawchain/svc/util"
)

const (
	headerOwner      = "X-Owner-ID"
	headerTier       = "X-Account-Tier"
	headerPassphrase = "X-Document-Passphrase"
	maxOwnerLen      = 128
)

type tierKey struct{}

type Mw struct {
	lim *lim.Limiter
	cfg *cfg.Cfg
}

func NewMw(limiter *lim.Limiter, c *cfg.Cfg) *Mw {
	return &Mw{lim: limiter, cfg: c}
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = util.NewRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(util.SetRequestID(r.Context(), requestID)))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				w.Header().Set("Content-Type", "application/json")
				writeErr(w, domain.ErrInternalServer, requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequireOwner resolves the caller identity headers. The tier defaults to
// FREE when the header is absent.
func (m *Mw) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.GetRequestID(r.Context())
		owner := strings.TrimSpace(r.Header.Get(headerOwner))
		if owner == "" || len(owner) > maxOwnerLen {
			writeErr(w, domain.ErrUnauthorized, requestID)
			return
		}
		t := domain.TierFree
		if raw := r.Header.Get(headerTier); raw != "" {
			parsed, err := domain.ParseTier(raw)
			if err != nil {
				writeErr(w, err, requestID)
				return
			}
			t = parsed
		}
		ctx := util.SetOwner(r.Context(), owner)
		ctx = context.WithValue(ctx, tierKey{}, t)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("owner", util.RedactOwner(owner))
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tierFrom(ctx context.Context) domain.Tier {
	if t, ok := ctx.Value(tierKey{}).(domain.Tier); ok {
		return t
	}
	return domain.TierFree
}

func (m *Mw) RateLimit(ep lim.Endpoint) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.lim == nil {
				next.ServeHTTP(w, r)
				return
			}
			res := m.lim.Check(r.Context(), m.lim.ClientKey(r), ep)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if !res.Allowed {
				hlog.FromRequest(r).Warn().
					Str("ip", util.RedactIP(r.RemoteAddr)).
					Str("endpoint", string(ep)).
					Msg("rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(max(int(time.Until(res.Reset).Seconds()), 1)))
				writeErr(w, domain.ErrRateLimitExceeded, util.GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range m.cfg.AllowedOrigins {
			if o == "*" || (origin != "" && origin == o) {
				allowed = true
				break
			}
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Owner-ID, X-Account-Tier, X-Document-Passphrase")
			w.Header().Set("Access-Control-Max-Age", "300")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AnomalyDetection feeds 5xx responses into the limiter's error-rate window.
func (m *Mw) AnomalyDetection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.lim == nil {
			next.ServeHTTP(w, r)
			return
		}
		m.lim.RecordRequest()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		if ww.status >= 500 {
			m.lim.RecordError()
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func observeRequest(r *http.Request, status int, d time.Duration) {
	route := "unmatched"
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	metrics.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	resp := domain.ToResp(err)
	if status >= 500 && status != 503 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
		resp = domain.ToResp(domain.ErrInternalServer)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errBody{ErrResp: resp, RequestID: requestID})
}

type errBody struct {
	domain.ErrResp
	RequestID string `json:"request_id"`
}
