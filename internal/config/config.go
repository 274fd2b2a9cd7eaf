// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AppEnv         string
	FrontendURL    string
	DBPath         string
	AllowedOrigins []string
	IngestToken    string
	PolicyFile     string
	Planner        PlannerConfig
	Registry       RegistryConfig
	Orchestrator   OrchestratorConfig
	Stream         StreamConfig
	RateLimit      RateLimitConfig
	TranscriptLog  TranscriptLogConfig
	Retention      RetentionConfig
	Timeout        TimeoutConfig
}

// PlannerConfig locates the reasoning capability.
type PlannerConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	HistoryWindow    int
}

// RegistryConfig locates the tool capability registry.
type RegistryConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// OrchestratorConfig bounds task execution.
type OrchestratorConfig struct {
	PlannerTimeout          time.Duration
	ToolTimeout             time.Duration
	MaxGoalLength           int
	MaxSteps                int
	StepBudgetSimple        int
	StepBudgetModerate      int
	StepBudgetComplex       int
	MaxPlannerFailures      int
	MaxCompletionRejections int
	MinCompletionConfidence int
	MemoryLimit             int
}

// StreamConfig controls the event hub and its transports.
type StreamConfig struct {
	RingSize          int
	ReplayLimit       int
	ReconnectReplay   int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
	SinkBuffer        int
	RetryDelay        time.Duration
}

// RateLimitConfig limits task starts per user.
type RateLimitConfig struct {
	StartRequests int
	Window        time.Duration
}

// TranscriptLogConfig controls per-task NDJSON transcripts.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
	Compress  bool
}

// RetentionConfig controls the periodic ledger sweep.
type RetentionConfig struct {
	Enabled                bool
	Interval               time.Duration
	MinAppliedToDeactivate int
}

// TimeoutConfig holds server timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
	ReadHeader  time.Duration
}

// Load reads configuration from environment variables, then applies the
// policy file when FIRMDESK_POLICY_FILE is set.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AppEnv:         getEnv("APP_ENV", "production"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/firmdesk.db"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		IngestToken:    getEnv("INGEST_TOKEN", ""),
		PolicyFile:     getEnv("FIRMDESK_POLICY_FILE", ""),
		Planner: PlannerConfig{
			Address:          getEnv("PLANNER_ADDR", ""),
			ConnectTimeout:   getEnvDuration("PLANNER_CONNECT_TIMEOUT", 5*time.Second),
			KeepaliveTime:    getEnvDuration("PLANNER_KEEPALIVE_TIME", 2*time.Minute),
			KeepaliveTimeout: getEnvDuration("PLANNER_KEEPALIVE_TIMEOUT", 10*time.Second),
			HistoryWindow:    getEnvInt("PLANNER_HISTORY_WINDOW", 25),
		},
		Registry: RegistryConfig{
			BaseURL:  getEnv("TOOL_REGISTRY_URL", "http://localhost:8090/api/agent"),
			Token:    getEnv("TOOL_REGISTRY_TOKEN", ""),
			Timeout:  getEnvDuration("TOOL_REGISTRY_TIMEOUT", 60*time.Second),
			CacheTTL: getEnvDuration("TOOL_REGISTRY_CACHE_TTL", 5*time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			PlannerTimeout:          getEnvDuration("TASK_PLANNER_TIMEOUT", 60*time.Second),
			ToolTimeout:             getEnvDuration("TASK_TOOL_TIMEOUT", 30*time.Second),
			MaxGoalLength:           getEnvInt("TASK_MAX_GOAL_LENGTH", 8000),
			MaxSteps:                getEnvInt("TASK_MAX_STEPS", 200),
			StepBudgetSimple:        getEnvInt("TASK_STEP_BUDGET_SIMPLE", 25),
			StepBudgetModerate:      getEnvInt("TASK_STEP_BUDGET_MODERATE", 40),
			StepBudgetComplex:       getEnvInt("TASK_STEP_BUDGET_COMPLEX", 60),
			MaxPlannerFailures:      getEnvInt("TASK_MAX_PLANNER_FAILURES", 3),
			MaxCompletionRejections: getEnvInt("TASK_MAX_COMPLETION_REJECTIONS", 2),
			MinCompletionConfidence: getEnvInt("TASK_MIN_COMPLETION_CONFIDENCE", 55),
			MemoryLimit:             getEnvInt("TASK_MEMORY_LIMIT", 20),
		},
		Stream: StreamConfig{
			RingSize:          getEnvInt("STREAM_RING_SIZE", 500),
			ReplayLimit:       getEnvInt("STREAM_REPLAY_LIMIT", 50),
			ReconnectReplay:   getEnvInt("STREAM_RECONNECT_REPLAY", 100),
			HeartbeatInterval: getEnvDuration("STREAM_HEARTBEAT_INTERVAL", 15*time.Second),
			SweepInterval:     getEnvDuration("STREAM_SWEEP_INTERVAL", 5*time.Minute),
			Retention:         getEnvDuration("STREAM_RETENTION", time.Hour),
			SinkBuffer:        getEnvInt("STREAM_SINK_BUFFER", 256),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			StartRequests: getEnvInt("RATE_LIMIT_TASK_STARTS", 10),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		TranscriptLog: TranscriptLogConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/tasks"),
			QueueSize: queueSize,
			Compress:  getEnvBool("TRANSCRIPT_LOG_COMPRESS", true),
		},
		Retention: RetentionConfig{
			Enabled:                getEnvBool("RETENTION_ENABLED", true),
			Interval:               getEnvDuration("RETENTION_INTERVAL", time.Hour),
			MinAppliedToDeactivate: getEnvInt("RETENTION_MIN_APPLIED", 10),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			ReadHeader:  getEnvDuration("READ_HEADER_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("TOOL_REGISTRY_URL cannot be empty")
	}
	if c.TranscriptLog.Enabled && c.TranscriptLog.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	o := c.Orchestrator
	if o.MaxSteps < 1 {
		return fmt.Errorf("TASK_MAX_STEPS must be > 0")
	}
	for name, b := range map[string]int{
		"simple":   o.StepBudgetSimple,
		"moderate": o.StepBudgetModerate,
		"complex":  o.StepBudgetComplex,
	} {
		if b < 1 || b > o.MaxSteps {
			return fmt.Errorf("%s step budget must be between 1 and %d", name, o.MaxSteps)
		}
	}
	if o.MinCompletionConfidence < 0 || o.MinCompletionConfidence > 100 {
		return fmt.Errorf("TASK_MIN_COMPLETION_CONFIDENCE must be between 0 and 100")
	}
	if o.MaxPlannerFailures < 1 {
		return fmt.Errorf("TASK_MAX_PLANNER_FAILURES must be > 0")
	}
	if c.Stream.ReplayLimit > c.Stream.RingSize || c.Stream.ReconnectReplay > c.Stream.RingSize {
		return fmt.Errorf("stream replay limits cannot exceed STREAM_RING_SIZE")
	}
	if c.RateLimit.StartRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must allow at least one start per window")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" && c.AppEnv != "production" {
		return c.AppEnv == "development"
	}
	return strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
