package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

// FileEnvVar names an optional config file (yaml, toml or json) whose flat keys
// mirror the environment variable names. The environment wins over the file.
const FileEnvVar = "RESIZEFLOW_CONFIG_FILE"

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Transform TransformConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr         string
	PresignTTL   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type QueueConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Name           string
	MaxRetry       int
	VariantTimeout time.Duration
	Retention      time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type StorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	MaxObjectBytes int64
}

func (s StorageConfig) ClientConfig() storage.Config {
	return storage.Config{
		Endpoint:       s.Endpoint,
		Region:         s.Region,
		Access:         s.AccessKey,
		Secret:         s.SecretKey,
		Bucket:         s.Bucket,
		UseSSL:         s.UseSSL,
		MaxObjectBytes: s.MaxObjectBytes,
	}
}

type DatabaseConfig struct {
	DSN string
}

// TransformConfig carries the parameter bounds plus the gateway toggles that
// sit around the pipeline.
type TransformConfig struct {
	Params             domain.TransformConfig
	NegotiateWebP      bool
	FallbackToOriginal bool
	// Native backend tuning, only read when built with the govips tag.
	VipsConcurrency    int
	VipsCacheMemBytes  int
}

type TelemetryConfig struct {
	ServiceName  string
	Environment  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type RateLimitConfig struct {
	Enabled      bool
	Requests     int
	Window       time.Duration
	UserIDHeader string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, layered over the optional
// config file named by RESIZEFLOW_CONFIG_FILE.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.AllowEmptyEnv(false)

	if file := strings.TrimSpace(os.Getenv(FileEnvVar)); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return loadFrom(source{v: v}), nil
}

func loadFrom(src source) Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:         src.env("RESIZEFLOW_API_ADDR", ":8080"),
			PresignTTL:   src.envDuration("RESIZEFLOW_PRESIGN_TTL", 15*time.Minute),
			ReadTimeout:  src.envDuration("RESIZEFLOW_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: src.envDuration("RESIZEFLOW_API_WRITE_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			RedisAddr:      src.env("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  src.env("REDIS_PASSWORD", ""),
			RedisDB:        src.envInt("REDIS_DB", 0),
			Name:           src.env("ASYNC_QUEUE", "default"),
			MaxRetry:       src.envInt("QUEUE_MAX_RETRY", 5),
			VariantTimeout: src.envDuration("QUEUE_VARIANT_TIMEOUT", 30*time.Second),
			Retention:      src.envDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:   src.envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: src.envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   src.env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:       src.env("MINIO_ENDPOINT", "localhost:9000"),
			Region:         src.env("MINIO_REGION", ""),
			AccessKey:      src.env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      src.env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:         src.env("MINIO_BUCKET", "resizeflow-images"),
			UseSSL:         src.envBool("MINIO_USE_SSL", false),
			MaxObjectBytes: int64(src.envInt("MINIO_MAX_OBJECT_BYTES", storage.DefaultMaxObjectBytes)),
		},
		Database: DatabaseConfig{
			DSN: src.env("POSTGRES_DSN", ""),
		},
		Transform: loadTransform(src),
		Telemetry: TelemetryConfig{
			ServiceName:  src.env("OTEL_SERVICE_NAME", "resizeflow"),
			Environment:  src.env("DEPLOYMENT_ENV", ""),
			Exporter:     src.env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: src.env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: src.envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  src.envFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		RateLimit: RateLimitConfig{
			Enabled:      src.envBool("RATE_LIMIT_ENABLED", false),
			Requests:     src.envInt("RATE_LIMIT_REQUESTS", 4*domain.MaxJobVariants),
			Window:       src.envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: src.env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  src.env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        src.envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    src.envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: src.envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     src.envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Log: LogConfig{
			Level:  src.env("LOG_LEVEL", "info"),
			Format: src.env("LOG_FORMAT", "json"),
		},
	}
}

func loadTransform(src source) TransformConfig {
	d := domain.DefaultTransformConfig()

	params := domain.TransformConfig{
		RoundingValue:  src.envUint32("ROUNDING_VALUE", d.RoundingValue),
		MinWidth:       src.envUint32("MIN_WIDTH", d.MinWidth),
		MaxWidth:       src.envUint32("MAX_WIDTH", d.MaxWidth),
		MinHeight:      src.envUint32("MIN_HEIGHT", d.MinHeight),
		MaxHeight:      src.envUint32("MAX_HEIGHT", d.MaxHeight),
		DefaultWidth:   src.envUint32("DEFAULT_WIDTH", d.DefaultWidth),
		DefaultQuality: func() domain.Quality {
			if q, ok := domain.ParseQuality(src.env("DEFAULT_QUALITY", "")); ok {
				return q
			}
			return d.DefaultQuality
		}(),
		DefaultMode: func() domain.Mode {
			if m, ok := domain.ParseMode(src.env("DEFAULT_TRANSFORM", "")); ok {
				return m
			}
			return d.DefaultMode
		}(),
		ValidExtensions: src.envList("VALID_EXTENSIONS", d.ValidExtensions),
	}
	params.DefaultHeight = src.envUint32("DEFAULT_HEIGHT", d.DefaultHeight)
	params.AnimatedDefaultHeight = src.envUint32("DEFAULT_ANIMATED_HEIGHT", params.DefaultHeight)
	params.MaxSourcePixels = int64(src.envInt("MAX_SOURCE_PIXELS", int(d.MaxSourcePixels)))

	return TransformConfig{
		Params:             params,
		NegotiateWebP:      src.envBool("NEGOTIATE_WEBP", false),
		FallbackToOriginal: src.envBool("FALLBACK_TO_ORIGINAL", false),
		VipsConcurrency:    src.envInt("VIPS_CONCURRENCY", 0),
		VipsCacheMemBytes:  src.envInt("VIPS_CACHE_MEM_BYTES", 128<<20),
	}
}

type source struct {
	v *viper.Viper
}

func (s source) env(key, fallback string) string {
	value := strings.TrimSpace(s.v.GetString(key))
	if value == "" {
		return fallback
	}
	return value
}

func (s source) envInt(key string, fallback int) int {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envUint32(key string, fallback uint32) uint32 {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(parsed)
}

func (s source) envFloat(key string, fallback float64) float64 {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envBool(key string, fallback bool) bool {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envDuration(key string, fallback time.Duration) time.Duration {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) envList(key string, fallback []string) []string {
	value := s.env(key, "")
	if value == "" {
		return fallback
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(item), "."))
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
