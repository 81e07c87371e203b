package infra

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// renderSlack covers the work a synchronous render does outside the startup
// and completion waits: stopping a dead process, submission and image fetches.
const renderSlack = 2 * time.Minute

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	ComfyDir            string
	ComfyHost           string
	ComfyPort           int
	ComfyEntry          string
	ComfyPython         string
	ComfyStartupTimeout time.Duration
	// ComfyMaxRestarts caps consecutive restarts; 0 or less disables them.
	ComfyMaxRestarts int
	WorkflowTemplate string

	OutputDir       string
	JobTimeout      time.Duration
	PollInterval    time.Duration
	CancelOnTimeout bool

	DatabaseURL string

	UploadEnabled  bool
	UploadFolder   string
	StorageBaseURL string
	SupabaseURL    string
	SupabaseBucket string
	SupabaseKey    string

	OTelStdout bool

	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout defaults to RenderDeadline when unset.
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	APIKeys          []string
	CORSOrigins      []string

	ModelManifest     string
	WorkerIdleBackoff time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		ComfyDir:            getEnv("COMFY_DIR", "/workspace/ComfyUI"),
		ComfyHost:           getEnv("COMFY_HOST", "127.0.0.1"),
		ComfyPort:           getEnvInt("COMFY_PORT", 8188),
		ComfyEntry:          getEnv("COMFY_ENTRY", "main.py"),
		ComfyPython:         getEnv("COMFY_PYTHON", "python3"),
		ComfyStartupTimeout: getEnvSeconds("COMFY_STARTUP_TIMEOUT_SECONDS", 60),
		ComfyMaxRestarts:    getEnvInt("COMFY_MAX_RESTARTS", 3),
		WorkflowTemplate:    os.Getenv("WORKFLOW_TEMPLATE_PATH"),
		OutputDir:           getEnv("OUTPUT_DIR", "/workspace/outputs"),
		JobTimeout:          getEnvSeconds("JOB_TIMEOUT_SECONDS", 300),
		PollInterval:        getEnvSeconds("POLL_INTERVAL_SECONDS", 2),
		CancelOnTimeout:     getEnvBool("CANCEL_ON_TIMEOUT", true),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		UploadEnabled:       getEnvBool("UPLOAD_ENABLED", false),
		UploadFolder:        getEnv("S3_UPLOAD_FOLDER", "avatars"),
		StorageBaseURL:      os.Getenv("STORAGE_BASE_URL"),
		SupabaseURL:         strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseBucket:      os.Getenv("SUPABASE_BUCKET"),
		SupabaseKey:         os.Getenv("SUPABASE_S3_KEY"),
		OTelStdout:          getEnvBool("OTEL_STDOUT", false),
		HTTPReadTimeout:     getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout:    getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 0),
		HTTPIdleTimeout:     getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		APIKeys:             getEnvList("API_KEYS"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		ModelManifest:       os.Getenv("MODEL_MANIFEST_PATH"),
		WorkerIdleBackoff:   getEnvSeconds("WORKER_IDLE_SECONDS", 2),
	}
	if cfg.WorkerIdleBackoff <= 0 {
		cfg.WorkerIdleBackoff = 2 * time.Second
	}

	if cfg.ComfyPort <= 0 || cfg.ComfyPort > 65535 {
		return nil, fmt.Errorf("COMFY_PORT out of range: %d", cfg.ComfyPort)
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("JOB_TIMEOUT_SECONDS must be positive")
	}
	if cfg.HTTPWriteTimeout <= 0 {
		cfg.HTTPWriteTimeout = cfg.RenderDeadline()
	}
	if cfg.StorageBaseURL == "" {
		cfg.StorageBaseURL = fmt.Sprintf("http://localhost:%s/static", cfg.Port)
	}
	if cfg.UploadEnabled && cfg.SupabaseURL != "" && cfg.SupabaseBucket == "" {
		return nil, fmt.Errorf("SUPABASE_BUCKET is required when SUPABASE_URL is set")
	}

	return cfg, nil
}

// ComfyURL is the base URL of the supervised backend.
func (c *Config) ComfyURL() string {
	return "http://" + net.JoinHostPort(c.ComfyHost, strconv.Itoa(c.ComfyPort))
}

// RenderDeadline bounds one synchronous render including a cold backend start.
func (c *Config) RenderDeadline() time.Duration {
	return c.ComfyStartupTimeout + c.JobTimeout + renderSlack
}

// SupervisorMaxRestarts maps ComfyMaxRestarts onto the supervisor's restart
// cap, where a negative value disables restarts.
func (c *Config) SupervisorMaxRestarts() int {
	if c.ComfyMaxRestarts <= 0 {
		return -1
	}
	return c.ComfyMaxRestarts
}

// TemplatePath resolves the workflow template, defaulting to the backend's
// saved-workflow location.
func (c *Config) TemplatePath() string {
	if c.WorkflowTemplate != "" {
		return c.WorkflowTemplate
	}
	return filepath.Join(c.ComfyDir, "user", "default", "workflows", "avatar_ai.json")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getEnvInt(key, fallback))
}
