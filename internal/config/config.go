// Package config loads the control plane's runtime configuration from
// environment variables into a defaulted, fingerprinted Config struct.
// The system is deployed as stateless worker processes whose only
// persistent config is the bootstrap data consumed by internal/store,
// not process flags.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChatShellMode selects how the streaming engine reaches a non-direct
// chat shell.
type ChatShellMode string

const (
	ChatShellModeHTTP   ChatShellMode = "http"
	ChatShellModeBridge ChatShellMode = "bridge"
	ChatShellModeLegacy ChatShellMode = "legacy" // alias of http, deprecated
)

// StorageType selects the resource store backend.
type StorageType string

const (
	StorageSQLite   StorageType = "sqlite"
	StoragePostgres StorageType = "postgres"
)

// OTel holds the telemetry substrate's env-driven settings.
type OTel struct {
	Enabled                 bool
	ExporterOTLPEndpoint    string
	TracesSamplerArg        float64
	ExcludedURLs            []string
	DisableSendReceiveSpans bool
}

// Config is the fully resolved runtime configuration.
type Config struct {
	StorageType StorageType
	DatabaseURL string // DSN for postgres; file path for sqlite

	OTel OTel

	ChatShellMode  ChatShellMode
	ChatShellURL   string
	ChatShellToken string

	MCPEnabled bool
	MCPServers []string // "name=url" entries

	WebSearchEnabled           bool
	WebSearchDefaultMaxResults int

	ChatToolMaxRequests int // tool-loop iteration bound per stream

	// ChatBrain* configure the streaming engine's direct-chat Brain:
	// the genkit provider/model backing interactive chat:send
	// sessions served by this process, distinct from the per-Bot
	// model resolution the dispatcher hands off to out-of-process
	// executors for async tasks.
	ChatBrainProvider         string
	ChatBrainModel            string
	ChatBrainAPIKey           string
	ChatBrainBaseURL          string
	ChatBrainCircuitThreshold int
	ChatBrainCircuitCooldown  time.Duration

	MaxConcurrentTasks        int
	MaxOfflineConcurrentTasks int
	TaskFetchInterval         time.Duration

	OfflineTaskEveningHours string
	OfflineTaskMorningHours string

	FlowStalePendingHours time.Duration // orphaned-PENDING recovery grace
	FlowStaleRunningHours time.Duration // stuck-RUNNING cleanup grace
	FlowDefaultRetryCount int
	FlowDefaultTimeout    time.Duration

	GracefulShutdownTimeout time.Duration

	LogDir   string
	LogLevel string
	LogQuiet bool

	MemoryEnabled      bool
	MemoryBaseURL      string
	MemoryMaxResults   int
	MemoryUserIDPrefix string

	RedisURL string // backs the event bus and the distributed lock/KV

	ExecutorBaseURL string // internal/executor HTTP bridge target

	BindAddr  string
	AuthToken string

	// ModelSecretKey decrypts Model resources' apiKeyCipher field when
	// the dispatcher assembles a dispatch payload; keys stay encrypted
	// at rest everywhere else. Hex-encoded, 16/24/32 bytes.
	ModelSecretKey string

	CORSAllowedOrigins []string

	RateLimitEnabled           bool
	RateLimitRequestsPerMinute int
	RateLimitBurstSize         int
}

// Load resolves Config from the process environment, applying the
// defaults a fresh deployment needs.
func Load() Config {
	c := defaultConfig()

	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		c.StorageType = StorageType(v)
	}
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = envStr("REDIS_URL", c.RedisURL)
	c.ExecutorBaseURL = envStr("EXECUTOR_BASE_URL", c.ExecutorBaseURL)

	c.OTel.Enabled = envBool("OTEL_ENABLED", c.OTel.Enabled)
	c.OTel.ExporterOTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTel.ExporterOTLPEndpoint)
	c.OTel.TracesSamplerArg = envFloat("OTEL_TRACES_SAMPLER_ARG", c.OTel.TracesSamplerArg)
	if v := os.Getenv("OTEL_EXCLUDED_URLS"); v != "" {
		c.OTel.ExcludedURLs = strings.Split(v, ",")
	}
	c.OTel.DisableSendReceiveSpans = envBool("OTEL_DISABLE_SEND_RECEIVE_SPANS", c.OTel.DisableSendReceiveSpans)

	if v := os.Getenv("CHAT_SHELL_MODE"); v != "" {
		c.ChatShellMode = ChatShellMode(v)
	}
	c.ChatShellURL = envStr("CHAT_SHELL_URL", c.ChatShellURL)
	c.ChatShellToken = envStr("CHAT_SHELL_TOKEN", c.ChatShellToken)

	c.MCPEnabled = envBool("CHAT_MCP_ENABLED", c.MCPEnabled)
	if v := os.Getenv("CHAT_MCP_SERVERS"); v != "" {
		c.MCPServers = strings.Split(v, ",")
	}

	c.WebSearchEnabled = envBool("WEB_SEARCH_ENABLED", c.WebSearchEnabled)
	c.WebSearchDefaultMaxResults = envInt("WEB_SEARCH_DEFAULT_MAX_RESULTS", c.WebSearchDefaultMaxResults)

	c.ChatToolMaxRequests = envInt("CHAT_TOOL_MAX_REQUESTS", c.ChatToolMaxRequests)

	c.ChatBrainProvider = envStr("CHAT_BRAIN_PROVIDER", c.ChatBrainProvider)
	c.ChatBrainModel = envStr("CHAT_BRAIN_MODEL", c.ChatBrainModel)
	c.ChatBrainAPIKey = envStr("CHAT_BRAIN_API_KEY", c.ChatBrainAPIKey)
	c.ChatBrainBaseURL = envStr("CHAT_BRAIN_BASE_URL", c.ChatBrainBaseURL)
	c.ChatBrainCircuitThreshold = envInt("CHAT_BRAIN_CIRCUIT_THRESHOLD", c.ChatBrainCircuitThreshold)
	c.ChatBrainCircuitCooldown = envDuration("CHAT_BRAIN_CIRCUIT_COOLDOWN", c.ChatBrainCircuitCooldown)

	c.MaxConcurrentTasks = envInt("MAX_CONCURRENT_TASKS", c.MaxConcurrentTasks)
	c.MaxOfflineConcurrentTasks = envInt("MAX_OFFLINE_CONCURRENT_TASKS", c.MaxOfflineConcurrentTasks)
	c.TaskFetchInterval = envDuration("TASK_FETCH_INTERVAL", c.TaskFetchInterval)

	c.OfflineTaskEveningHours = envStr("OFFLINE_TASK_EVENING_HOURS", c.OfflineTaskEveningHours)
	c.OfflineTaskMorningHours = envStr("OFFLINE_TASK_MORNING_HOURS", c.OfflineTaskMorningHours)

	c.FlowStalePendingHours = time.Duration(envFloat("FLOW_STALE_PENDING_HOURS", c.FlowStalePendingHours.Hours())) * time.Hour
	c.FlowStaleRunningHours = time.Duration(envFloat("FLOW_STALE_RUNNING_HOURS", c.FlowStaleRunningHours.Hours())) * time.Hour
	c.FlowDefaultRetryCount = envInt("FLOW_DEFAULT_RETRY_COUNT", c.FlowDefaultRetryCount)
	c.FlowDefaultTimeout = envDuration("FLOW_DEFAULT_TIMEOUT_SECONDS", c.FlowDefaultTimeout)

	c.GracefulShutdownTimeout = envDuration("GRACEFUL_SHUTDOWN_TIMEOUT", c.GracefulShutdownTimeout)

	c.LogDir = envStr("LOG_DIR", c.LogDir)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogQuiet = envBool("LOG_QUIET", c.LogQuiet)

	c.MemoryEnabled = envBool("MEMORY_ENABLED", c.MemoryEnabled)
	c.MemoryBaseURL = envStr("MEMORY_BASE_URL", c.MemoryBaseURL)
	c.MemoryMaxResults = envInt("MEMORY_MAX_RESULTS", c.MemoryMaxResults)
	c.MemoryUserIDPrefix = envStr("MEMORY_USER_ID_PREFIX", c.MemoryUserIDPrefix)

	c.BindAddr = envStr("BIND_ADDR", c.BindAddr)
	c.AuthToken = envStr("AUTH_TOKEN", c.AuthToken)
	c.ModelSecretKey = envStr("MODEL_SECRET_KEY", c.ModelSecretKey)

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = strings.Split(v, ",")
	}
	c.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", c.RateLimitEnabled)
	c.RateLimitRequestsPerMinute = envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", c.RateLimitRequestsPerMinute)
	c.RateLimitBurstSize = envInt("RATE_LIMIT_BURST_SIZE", c.RateLimitBurstSize)

	return c
}

func defaultConfig() Config {
	return Config{
		StorageType:                StorageSQLite,
		DatabaseURL:                "./goclaw-core.db",
		ChatShellMode:              ChatShellModeBridge,
		ChatToolMaxRequests:        25,
		ChatBrainProvider:          "anthropic",
		ChatBrainCircuitThreshold:  5,
		ChatBrainCircuitCooldown:   30 * time.Second,
		MaxConcurrentTasks:         8,
		MaxOfflineConcurrentTasks:  4,
		TaskFetchInterval:          2 * time.Second,
		FlowStalePendingHours:      1 * time.Hour,
		FlowStaleRunningHours:      3 * time.Hour,
		FlowDefaultRetryCount:      3,
		FlowDefaultTimeout:         5 * time.Minute,
		GracefulShutdownTimeout:    30 * time.Second,
		LogDir:                     "./goclaw-core-logs",
		LogLevel:                   "info",
		WebSearchDefaultMaxResults: 5,
		MemoryMaxResults:           5,
		MemoryUserIDPrefix:         "goclaw:",
		BindAddr:                   "0.0.0.0:8080",
		RedisURL:                   "redis://127.0.0.1:6379/0",
		ExecutorBaseURL:            "http://127.0.0.1:9090",
		RateLimitEnabled:           true,
		RateLimitRequestsPerMinute: 60,
		RateLimitBurstSize:         10,
	}
}

// Fingerprint returns a stable hash of the active config so
// diagnostics can detect drift between worker processes sharing one
// store.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "storage=%s|shellmode=%s|maxconc=%d|maxoffline=%d|fetch=%s|shutdown=%s",
		c.StorageType, c.ChatShellMode, c.MaxConcurrentTasks, c.MaxOfflineConcurrentTasks,
		c.TaskFetchInterval, c.GracefulShutdownTimeout)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
