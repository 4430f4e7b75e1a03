// Package config loads the dispatcher's immutable settings from the process
// environment and validates them once at startup. There is no config file
// layer and no hot reload: every field is named directly after the
// environment variable that sources it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every setting the dispatcher needs, sourced from the
// environment variables listed in the VAP wire spec.
type Config struct {
	// Marketplace
	MarketplaceAPI string // VAP_API
	IdentityName   string // VAP_IDENTITY
	IAddress       string // VAP_I_ADDRESS
	KeysFile       string // VAP_KEYS_FILE

	// Admission / lifecycle
	PollInterval         time.Duration // POLL_INTERVAL
	MaxAcceptsPerMinute  int           // MAX_ACCEPTS_PER_MIN
	MaxQueuedJobs        int           // MAX_QUEUED_JOBS
	GhostTimeout         time.Duration // GHOST_TIMEOUT

	// Ports
	PortRangeStart int           // PORT_RANGE_START
	PortRangeEnd   int           // PORT_RANGE_END
	PortCooldown   time.Duration // PORT_COOLDOWN

	// Container resources
	ContainerMemoryBytes int64         // CONTAINER_MEMORY
	ContainerCPUs        float64       // CONTAINER_CPUS
	ContainerMaxLifetime time.Duration // CONTAINER_MAX_LIFETIME

	// Credential proxy
	ProxyPort            int // PROXY_PORT
	ProxyRateLimit       int // PROXY_RATE_LIMIT
	LLMProviderURL       string
	LLMProviderKey       string
	EmbeddingProviderURL string
	EmbeddingProviderKey string

	// Paths
	WikiPath          string // WIKI_PATH — external wiki/document corpus, not read by this component
	JobsPath          string // JOBS_PATH
	AgentsDir         string // AGENTS_DIR
	SandboxConfigRoot string // SANDBOX_CONFIG_ROOT — per-job generated Docker sandbox config trees

	// Logging
	LogLevel string // LOG_LEVEL
	LogJSON  bool   // LOG_JSON
}

// Defaults matching §5 Resource limits and §4.2 probe defaults.
const (
	defaultPollInterval         = 10 * time.Second
	defaultGhostTimeout         = 10 * time.Minute
	defaultPortCooldown         = 30 * time.Second
	defaultContainerMaxLifetime = time.Hour
	defaultContainerMemory      = 2 << 30 // 2 GiB
	defaultContainerCPUs        = 1.0
	defaultMaxAcceptsPerMinute  = 5
	defaultMaxQueuedJobs        = 10
	defaultProxyRateLimit       = 60
	defaultSandboxConfigRoot    = "/var/lib/vap-dispatcher/sandboxes"
)

// Load reads Config from the environment and validates it. A missing
// required field or an empty port range is a fatal startup error (exit code
// 1 per spec §6).
func Load() (*Config, error) {
	cfg := &Config{
		MarketplaceAPI: os.Getenv("VAP_API"),
		IdentityName:   os.Getenv("VAP_IDENTITY"),
		IAddress:       os.Getenv("VAP_I_ADDRESS"),
		KeysFile:       os.Getenv("VAP_KEYS_FILE"),

		PollInterval:        durationEnv("POLL_INTERVAL", defaultPollInterval),
		MaxAcceptsPerMinute: intEnv("MAX_ACCEPTS_PER_MIN", defaultMaxAcceptsPerMinute),
		MaxQueuedJobs:       intEnv("MAX_QUEUED_JOBS", defaultMaxQueuedJobs),
		GhostTimeout:        durationEnv("GHOST_TIMEOUT", defaultGhostTimeout),

		PortRangeStart: intEnv("PORT_RANGE_START", 0),
		PortRangeEnd:   intEnv("PORT_RANGE_END", 0),
		PortCooldown:   durationEnv("PORT_COOLDOWN", defaultPortCooldown),

		ContainerMemoryBytes: int64Env("CONTAINER_MEMORY", defaultContainerMemory),
		ContainerCPUs:        floatEnv("CONTAINER_CPUS", defaultContainerCPUs),
		ContainerMaxLifetime: durationEnv("CONTAINER_MAX_LIFETIME", defaultContainerMaxLifetime),

		ProxyPort:            intEnv("PROXY_PORT", 8787),
		ProxyRateLimit:       intEnv("PROXY_RATE_LIMIT", defaultProxyRateLimit),
		LLMProviderURL:       os.Getenv("LLM_PROVIDER_URL"),
		LLMProviderKey:       os.Getenv("LLM_PROVIDER_KEY"),
		EmbeddingProviderURL: os.Getenv("EMBEDDING_PROVIDER_URL"),
		EmbeddingProviderKey: os.Getenv("EMBEDDING_PROVIDER_KEY"),

		WikiPath:          os.Getenv("WIKI_PATH"),
		JobsPath:          os.Getenv("JOBS_PATH"),
		AgentsDir:         os.Getenv("AGENTS_DIR"),
		SandboxConfigRoot: envOr("SANDBOX_CONFIG_ROOT", defaultSandboxConfigRoot),

		LogLevel: envOr("LOG_LEVEL", "info"),
		LogJSON:  boolEnv("LOG_JSON", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MarketplaceAPI == "" {
		return fmt.Errorf("VAP_API is required")
	}
	if c.KeysFile == "" {
		return fmt.Errorf("VAP_KEYS_FILE is required")
	}
	if c.JobsPath == "" {
		return fmt.Errorf("JOBS_PATH is required")
	}
	if c.AgentsDir == "" {
		return fmt.Errorf("AGENTS_DIR is required")
	}
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("PORT_RANGE_END (%d) must be >= PORT_RANGE_START (%d)", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.PortRangeStart == 0 || c.PortRangeEnd == 0 {
		return fmt.Errorf("PORT_RANGE_START and PORT_RANGE_END are required")
	}
	if c.LLMProviderURL == "" {
		return fmt.Errorf("LLM_PROVIDER_URL is required")
	}
	return nil
}

// PoolSize is the number of ports in the configured range, i.e. the maximum
// number of concurrently running containers.
func (c *Config) PoolSize() int {
	return c.PortRangeEnd - c.PortRangeStart + 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
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

func int64Env(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
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

func boolEnv(key string, def bool) bool {
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

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept a bare integer as seconds, or a Go duration string.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
