package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"microblog-platform/gateway/internal/routing"
	"microblog-platform/shared/authx"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/influxx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
	"microblog-platform/shared/ratelimit"
)

// hop-by-hop headers must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Mediator is the gateway request pipeline: route match, bearer
// verification for protected prefixes, fine-tier rate limit, path
// translation and forwarding. Coarse admission runs in front of it as
// middleware. It holds no per-request state; the only shared state is the
// redis-backed limiter store.
type Mediator struct {
	Resolver  routing.Resolver
	Verifier  *authx.Verifier
	Limiters  map[string]*ratelimit.Limiter
	Client    *http.Client
	Logger    logx.Logger
	Analytics *influxx.Client
	Dev       bool
}

func (m *Mediator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := m.Resolver.Match(r.URL.Path)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "route not found", "", false)
		return
	}

	identity := authx.Identity{}
	if route.Protected {
		if m.Verifier == nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal server error", "auth verifier not configured", m.Dev)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token", "", false)
			return
		}
		id, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid token", "", false)
			return
		}
		identity = id
		r = r.WithContext(authx.WithIdentity(r.Context(), id))
	} else if m.Verifier != nil {
		// Public prefixes still carry identity when the caller presents a
		// valid token, so upstreams can gate individual operations. A bad
		// token on a public prefix is ignored, not rejected.
		if token, ok := bearerToken(r); ok {
			if id, err := m.Verifier.Verify(r.Context(), token); err == nil {
				identity = id
				r = r.WithContext(authx.WithIdentity(r.Context(), id))
			}
		}
	}

	if rule, ok := route.LimitFor(r.Method); ok {
		limiter := m.Limiters[rule.Name]
		if limiter != nil {
			key := identity.PrincipalID
			if key == "" {
				key = httpx.ClientIP(r)
			}
			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				m.Logger.Error(r.Context(), "rate_limit_store_failed", "rate limit store unavailable",
					slog.String("tier", rule.Name),
					slog.String("error", err.Error()),
				)
				httpx.WriteError(w, http.StatusServiceUnavailable, "service unavailable", err.Error(), m.Dev)
				return
			}
			if !res.Allowed {
				metricsx.IncRateLimitRejection(rule.Name)
				if secs := int(res.RetryAfter.Round(time.Second) / time.Second); secs > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				httpx.WriteError(w, http.StatusTooManyRequests, "too many requests", "", false)
				return
			}
		}
	}

	m.forward(w, r, route, identity)
}

func (m *Mediator) forward(w http.ResponseWriter, r *http.Request, route routing.Route, identity authx.Identity) {
	target := route.Upstream + route.RewritePath(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), m.Dev)
		return
	}

	copyForwardHeaders(upReq.Header, r.Header)
	// Spoofed identity headers never pass the trust boundary.
	upReq.Header.Del(authx.HeaderUserID)
	if identity.PrincipalID != "" {
		upReq.Header.Set(authx.HeaderUserID, identity.PrincipalID)
	}
	if reqID := httpx.RequestIDFromContext(r.Context()); reqID != "" {
		upReq.Header.Set("X-Request-ID", reqID)
	}
	upReq.Header.Set("X-Forwarded-For", httpx.ClientIP(r))

	if hasBody(r) && !isMultipart(r.Header.Get("Content-Type")) {
		upReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := m.Client.Do(upReq)
	if err != nil {
		m.Logger.Error(r.Context(), "upstream_failed", "upstream request failed",
			slog.String("upstream", route.Upstream),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), m.Dev)
		return
	}
	defer resp.Body.Close()

	m.recordUpstreamLatency(route, resp.StatusCode, time.Since(start))

	for k, vals := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	m.Logger.Info(r.Context(), "upstream_response", "relayed upstream response",
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.String("upstream", route.Upstream),
		slog.String("path", r.URL.Path),
		slog.Int("status_code", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// recordUpstreamLatency writes a best-effort analytics point; gateway
// latency must not depend on the analytics store.
func (m *Mediator) recordUpstreamLatency(route routing.Route, status int, d time.Duration) {
	if m.Analytics == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := m.Analytics.WritePoint(ctx, "gateway_upstream_latency",
			map[string]string{"upstream": route.Upstream, "prefix": route.Prefix},
			map[string]any{"duration_ms": d.Milliseconds(), "status": status},
			time.Now().UTC(),
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}()
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[len("bearer "):])
	if token == "" {
		return "", false
	}
	return token, true
}

func copyForwardHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		if isHopHeader(k) || strings.EqualFold(k, "Authorization") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func isMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart/")
}
