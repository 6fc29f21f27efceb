package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the binaries read from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	StorageDir     string
	StorageBaseURL string

	PainterAPIKeys []string
	PainterBaseURL string
	PainterModel   string
	PlannerModel   string

	MaxActiveTasksPerUser int
	RenderTimeout         time.Duration

	BatchRenderEnabled bool
	BatchRenderURL     string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// Load reads .env / .env.local when present and applies env-var overrides.
// An empty DATABASE_URL selects the in-memory store, which is only meant for
// local development.
func Load() Config {
	_ = godotenv.Load(".env", ".env.local")

	return Config{
		AppEnv:      getenv("APP_ENV", "development"),
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StorageDir:     getenv("STORAGE_DIR", "data/storage"),
		StorageBaseURL: os.Getenv("STORAGE_BASE_URL"),

		PainterAPIKeys: splitList(os.Getenv("PAINTER_API_KEYS")),
		PainterBaseURL: getenv("PAINTER_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		PainterModel:   getenv("PAINTER_MODEL", "gemini-2.5-flash-image"),
		PlannerModel:   getenv("PLANNER_MODEL", "gemini-2.5-flash"),

		MaxActiveTasksPerUser: getenvInt("MAX_ACTIVE_TASKS_PER_USER", 2),
		RenderTimeout:         time.Second * time.Duration(getenvInt("RENDER_TIMEOUT_SECONDS", 900)),

		BatchRenderEnabled: getenvBool("BATCH_RENDER_ENABLED", false),
		BatchRenderURL:     os.Getenv("BATCH_RENDER_URL"),

		HTTPReadTimeout:  time.Second * time.Duration(getenvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getenvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getenvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getenvInt("RATE_LIMIT_PER_MINUTE", 60),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
