package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendGemini = "gemini"
	BackendKIE    = "kie"
)

// Config aggregates runtime configuration for the API server and its backends.
type Config struct {
	HTTPAddr           string
	Debug              bool
	CORSAllowedOrigins []string
	MaxBodyBytes       int64

	MySQLDSN string

	RedisURL              string
	GenerateRatePerMinute int

	AdminUsername string
	AdminPassword string
	WebhookSecret string

	SignupCredits      int
	DailyRewardCredits int
	BillingMode        string

	SynthesisBackend    string
	GeminiAPIKey        string
	GeminiPrimaryModel  string
	GeminiFallbackModel string
	KIEAPIKey           string
	KIEBaseURL          string
	KIEPrimaryModel     string
	KIEFallbackModel    string
	KIEAspectRatio      string
	KIEResolution       string
	KIEPollInterval     time.Duration
	KIEMaxPolls         int
	RequestTimeout      time.Duration

	PrimaryRetryLimit   int
	RetryBackoff        time.Duration
	CallTimeout         time.Duration
	BatchSize           int
	BatchDelay          time.Duration
	BackendRPS          float64
	GenerateTimeout     time.Duration
	PersistTimeout      time.Duration
	MaxImagesPerRequest int
	AttemptQueueSize    int

	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration

	TelegramBotToken  string
	TelegramOpsChatID int64

	S3Endpoint         string
	S3Region           string
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3PublicBaseURL    string
	S3UsePathStyle     bool
	S3Prefix           string
	S3GenerationPrefix string
	S3PublicRead       bool
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:           getEnv("HTTP_LISTEN_ADDR", ":8080"),
		Debug:              getBool("LOG_DEBUG", false),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		MaxBodyBytes:       getInt64("MAX_BODY_BYTES", 32<<20),

		MySQLDSN: os.Getenv("MYSQL_DSN"),

		RedisURL:              os.Getenv("REDIS_URL"),
		GenerateRatePerMinute: getInt("GENERATE_RATE_LIMIT_PER_MINUTE", 10),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),
		WebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),

		SignupCredits:      getInt("SIGNUP_CREDITS", 5),
		DailyRewardCredits: getInt("DAILY_REWARD_CREDITS", 3),
		BillingMode:        strings.ToLower(getEnv("BILLING_MODE", "deferred")),

		SynthesisBackend:    strings.ToLower(getEnv("SYNTHESIS_BACKEND", BackendGemini)),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiPrimaryModel:  getEnv("GEMINI_PRIMARY_MODEL", "gemini-2.5-flash-image"),
		GeminiFallbackModel: getEnv("GEMINI_FALLBACK_MODEL", "gemini-2.0-flash-preview-image-generation"),
		KIEAPIKey:           os.Getenv("KIE_API_KEY"),
		KIEBaseURL:          getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		KIEPrimaryModel:     getEnv("KIE_PRIMARY_MODEL", "nano-banana-pro"),
		KIEFallbackModel:    getEnv("KIE_FALLBACK_MODEL", "flux-2/pro-image-to-image"),
		KIEAspectRatio:      getEnv("KIE_ASPECT_RATIO", "1:1"),
		KIEResolution:       getEnv("KIE_RESOLUTION", "1K"),
		KIEPollInterval:     getDuration("KIE_POLL_INTERVAL_MS", time.Millisecond, 2000),
		KIEMaxPolls:         getInt("KIE_MAX_POLLS", 60),
		RequestTimeout:      getDuration("HTTP_TIMEOUT_SECONDS", time.Second, 60),

		PrimaryRetryLimit:   getInt("PRIMARY_RETRY_LIMIT", 0),
		RetryBackoff:        getDuration("RETRY_BACKOFF_MS", time.Millisecond, 1000),
		CallTimeout:         getDuration("CALL_TIMEOUT_SECONDS", time.Second, 90),
		BatchSize:           getInt("BATCH_SIZE", 2),
		BatchDelay:          getDuration("BATCH_DELAY_MS", time.Millisecond, 1500),
		BackendRPS:          getFloat("BACKEND_RPS", 0),
		GenerateTimeout:     getDuration("GENERATE_TIMEOUT_SECONDS", time.Second, 300),
		PersistTimeout:      getDuration("PERSIST_TIMEOUT_SECONDS", time.Second, 30),
		MaxImagesPerRequest: getInt("MAX_IMAGES_PER_REQUEST", 4),
		AttemptQueueSize:    getInt("ATTEMPT_QUEUE_SIZE", 256),

		BreakerMinRequests:  getInt("BREAKER_MIN_REQUESTS", 10),
		BreakerFailureRatio: getFloat("BREAKER_FAILURE_RATIO", 0.6),
		BreakerOpenTimeout:  getDuration("BREAKER_OPEN_SECONDS", time.Second, 60),

		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramOpsChatID: getInt64("TELEGRAM_OPS_CHAT_ID", 0),

		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3Region:           os.Getenv("S3_REGION"),
		S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:    os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:     getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:           getEnv("S3_PREFIX", "references"),
		S3GenerationPrefix: getEnv("S3_GENERATION_PREFIX", "generations"),
		S3PublicRead:       getBool("S3_PUBLIC_READ", true),
	}

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	switch cfg.SynthesisBackend {
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	case BackendKIE:
		if cfg.KIEAPIKey == "" {
			missing = append(missing, "KIE_API_KEY")
		}
	default:
		return Config{}, fmt.Errorf("unknown SYNTHESIS_BACKEND %q (want %s or %s)", cfg.SynthesisBackend, BackendGemini, BackendKIE)
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramOpsChatID == 0 {
		missing = append(missing, "TELEGRAM_OPS_CHAT_ID")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch cfg.BillingMode {
	case "deferred", "reserve":
	default:
		return Config{}, fmt.Errorf("unknown BILLING_MODE %q (want deferred or reserve)", cfg.BillingMode)
	}
	if cfg.SignupCredits < 0 || cfg.DailyRewardCredits < 0 {
		return Config{}, errors.New("SIGNUP_CREDITS and DAILY_REWARD_CREDITS must not be negative")
	}
	if cfg.MaxImagesPerRequest < 1 {
		return Config{}, errors.New("MAX_IMAGES_PER_REQUEST must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration reads an integer count of unit.
func getDuration(key string, unit time.Duration, fallback int) time.Duration {
	return unit * time.Duration(getInt(key, fallback))
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// loadEnvFile overlays the first env file found. Running without one is fine.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
