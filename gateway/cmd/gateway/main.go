package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"microblog-platform/gateway/internal/middleware"
	"microblog-platform/gateway/internal/proxy"
	"microblog-platform/gateway/internal/routing"
	"microblog-platform/shared/authx"
	"microblog-platform/shared/config"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/influxx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
	"microblog-platform/shared/observability"
	"microblog-platform/shared/ratelimit"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("gateway", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error", err.Error()),
			)
		}
	}

	routesPath := strings.TrimSpace(os.Getenv("GATEWAY_ROUTES_PATH"))
	if routesPath == "" {
		if p, err := routing.DefaultRoutesPath(cfg.Env); err == nil {
			routesPath = p
		} else {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "failed to resolve default routes path"})
		}
	}

	var resolver routing.Resolver
	if routesPath != "" {
		var err error
		resolver, err = routing.Load(routesPath)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: err.Error()})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "routes config path is required"})
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}

	var coarseLimiter *ratelimit.Limiter
	limiters := map[string]*ratelimit.Limiter{}
	if rdb != nil {
		coarseLimiter = ratelimit.New(rdb, "global", cfg.RateGlobalPoints, time.Duration(cfg.RateGlobalWindowSec)*time.Second)
		for _, route := range resolver.Config.Routes {
			for _, rule := range route.Limits {
				if _, ok := limiters[rule.Name]; ok {
					continue
				}
				limiters[rule.Name] = ratelimit.New(rdb, rule.Name, rule.Points, time.Duration(rule.WindowSeconds)*time.Second)
			}
		}
	}

	var verifier *authx.Verifier
	if cfg.AuthIssuer != "" && cfg.AuthAudience != "" {
		var err error
		verifier, err = authx.NewVerifier(cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "AUTH_ISSUER", Message: err.Error()})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "AUTH_ISSUER", Message: "AUTH_ISSUER and AUTH_AUDIENCE are required"})
	}

	var analytics *influxx.Client
	if cfg.InfluxURL != "" {
		var err error
		analytics, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "analytics disabled",
				slog.String("error", err.Error()),
			)
		}
	}

	mediator := &proxy.Mediator{
		Resolver: resolver,
		Verifier: verifier,
		Limiters: limiters,
		Client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		Logger:    logger.With(slog.String("component", "mediator")),
		Analytics: analytics,
		Dev:       cfg.IsDev(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success":  false,
				"message":  "service not ready: invalid configuration",
				"problems": readyProblems,
			})
			return
		}
		if rdb != nil {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				httpx.WriteError(w, http.StatusServiceUnavailable, "service not ready: rate limit store unreachable", err.Error(), cfg.IsDev())
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	admission := middleware.AdmissionMiddleware{
		Limiter: coarseLimiter,
		Logger:  logger.With(slog.String("component", "admission")),
		Skip: func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return true
			}
			return false
		},
	}
	cors := middleware.CORSMiddleware{
		AllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	handler := httpx.WrapServeMux(mux, admission.Wrap(cors.Wrap(mediator)))
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("routes_path", routesPath),
			slog.Int("routes", len(resolver.Config.Routes)),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if analytics != nil {
		analytics.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
