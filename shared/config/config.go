package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	AuthIssuer         string
	AuthAudience       string
	AuthJWKSURL        string
	JWKSTTLSeconds     int
	JWTClockSkewSec    int
	SigningKeyPath     string
	AccessTokenTTLSec  int
	RefreshTokenTTLSec int

	RateGlobalPoints    int
	RateGlobalWindowSec int

	CacheTTLSec       int
	SearchCacheTTLSec int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	PurgeMaxRetry    int

	BlobDir string

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load builds a Config from the environment. Validation never aborts; every
// rejected value is clamped back to its default and reported as a Problem so
// the caller can decide whether to refuse readiness.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                 strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		RequestTimeoutMS:    30000,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		KafkaClientID:       strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:        strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		AuthIssuer:          strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		AuthAudience:        strings.TrimSpace(os.Getenv("AUTH_AUDIENCE")),
		AuthJWKSURL:         strings.TrimSpace(os.Getenv("AUTH_JWKS_URL")),
		JWKSTTLSeconds:      300,
		JWTClockSkewSec:     60,
		SigningKeyPath:      strings.TrimSpace(os.Getenv("AUTH_SIGNING_KEY_PATH")),
		AccessTokenTTLSec:   900,
		RefreshTokenTTLSec:  604800,
		RateGlobalPoints:    100,
		RateGlobalWindowSec: 1,
		CacheTTLSec:         300,
		SearchCacheTTLSec:   120,
		AsynqRedisAddr:      strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:      os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		PurgeMaxRetry:       10,
		BlobDir:             strings.TrimSpace(os.Getenv("BLOB_DIR")),
		InfluxURL:           strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:         strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:           strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:        strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS:     5000,
		OtelEndpoint:        strings.TrimSpace(os.Getenv("OTEL_EXPORTER_ENDPOINT")),
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)

	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	readInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	readInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)
	readInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	readInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	readInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	readInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFE_SECONDS", &problems)
	readInt(&cfg.RedisDB, "REDIS_DB", &problems)
	readInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	readInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", &problems)
	readInt(&cfg.JWKSTTLSeconds, "JWKS_CACHE_TTL_SECONDS", &problems)
	readInt(&cfg.JWTClockSkewSec, "JWT_CLOCK_SKEW_SECONDS", &problems)
	readInt(&cfg.AccessTokenTTLSec, "ACCESS_TOKEN_TTL_SECONDS", &problems)
	readInt(&cfg.RefreshTokenTTLSec, "REFRESH_TOKEN_TTL_SECONDS", &problems)
	readInt(&cfg.RateGlobalPoints, "RATE_GLOBAL_POINTS", &problems)
	readInt(&cfg.RateGlobalWindowSec, "RATE_GLOBAL_WINDOW_SECONDS", &problems)
	readInt(&cfg.CacheTTLSec, "CACHE_TTL_SECONDS", &problems)
	readInt(&cfg.SearchCacheTTLSec, "SEARCH_CACHE_TTL_SECONDS", &problems)
	readInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	readInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)
	readInt(&cfg.PurgeMaxRetry, "PURGE_MAX_RETRY", &problems)
	readInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)
	readBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	readBool(&cfg.OtelInsecure, "OTEL_INSECURE", &problems)
	readFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	cfg.KafkaBrokers = parseCSV(os.Getenv("KAFKA_BROKERS"))
	if cfg.KafkaClientID == "" {
		cfg.KafkaClientID = cfg.ServiceName
	}

	if cfg.AuthIssuer != "" && cfg.AuthJWKSURL == "" {
		cfg.AuthJWKSURL = strings.TrimRight(cfg.AuthIssuer, "/") + "/.well-known/jwks.json"
	}

	envProvided := cfg.Env != ""
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.AccessTokenTTLSec <= 0 {
		problems = append(problems, Problem{Field: "ACCESS_TOKEN_TTL_SECONDS", Message: "ACCESS_TOKEN_TTL_SECONDS must be > 0"})
		cfg.AccessTokenTTLSec = 900
	}
	if cfg.RefreshTokenTTLSec <= 0 {
		problems = append(problems, Problem{Field: "REFRESH_TOKEN_TTL_SECONDS", Message: "REFRESH_TOKEN_TTL_SECONDS must be > 0"})
		cfg.RefreshTokenTTLSec = 604800
	}
	if cfg.RateGlobalPoints <= 0 {
		problems = append(problems, Problem{Field: "RATE_GLOBAL_POINTS", Message: "RATE_GLOBAL_POINTS must be > 0"})
		cfg.RateGlobalPoints = 100
	}
	if cfg.RateGlobalWindowSec <= 0 {
		problems = append(problems, Problem{Field: "RATE_GLOBAL_WINDOW_SECONDS", Message: "RATE_GLOBAL_WINDOW_SECONDS must be > 0"})
		cfg.RateGlobalWindowSec = 1
	}
	if cfg.CacheTTLSec <= 0 {
		problems = append(problems, Problem{Field: "CACHE_TTL_SECONDS", Message: "CACHE_TTL_SECONDS must be > 0"})
		cfg.CacheTTLSec = 300
	}
	if cfg.SearchCacheTTLSec <= 0 {
		problems = append(problems, Problem{Field: "SEARCH_CACHE_TTL_SECONDS", Message: "SEARCH_CACHE_TTL_SECONDS must be > 0"})
		cfg.SearchCacheTTLSec = 120
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.PurgeMaxRetry < 0 {
		problems = append(problems, Problem{Field: "PURGE_MAX_RETRY", Message: "PURGE_MAX_RETRY must be >= 0"})
		cfg.PurgeMaxRetry = 10
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be in [0,1]"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

// IsDev reports whether error responses may carry internal detail.
func (c Config) IsDev() bool {
	return strings.ToLower(strings.TrimSpace(c.Env)) == "dev"
}

func readInt(dst *int, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = v
}

func readBool(dst *bool, key string, problems *[]Problem) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return
	}
	switch raw {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
}

func readFloat(dst *float64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = v
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
