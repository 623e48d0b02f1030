package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"microblog-platform/shared/httpx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
	"microblog-platform/shared/ratelimit"
)

// AdmissionMiddleware is the coarse tier: one bucket per source IP,
// consulted before anything else so an abusive caller never reaches
// authentication or an upstream.
type AdmissionMiddleware struct {
	Limiter *ratelimit.Limiter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
}

func (m AdmissionMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := httpx.ClientIP(r)
		res, err := m.Limiter.Allow(r.Context(), ip)
		if err != nil {
			// The shared store is down; admitting blind would defeat the
			// tier across every replica, so reject as unavailable.
			m.Logger.Error(r.Context(), "rate_limit_store_failed", "rate limit store unavailable",
				slog.String("tier", m.Limiter.Tier()),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, http.StatusServiceUnavailable, "service unavailable", err.Error(), false)
			return
		}
		if !res.Allowed {
			metricsx.IncRateLimitRejection(m.Limiter.Tier())
			w.Header().Set("Retry-After", formatSeconds(res.RetryAfter))
			httpx.WriteError(w, http.StatusTooManyRequests, "too many requests", "", false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
