// Package appconfig loads dispatcher configuration from a JSON file with
// environment variable overrides, following the same layered-default
// pattern used throughout this codebase's sibling services.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all gpuproxy configuration.
type Config struct {
	URL            string         `json:"url"`
	DBDSN          string         `json:"db_dsn"`
	MaxTasks       int            `json:"max_tasks"`
	DisableWorker  bool           `json:"disable_worker"`
	ResourceType   string         `json:"resource_type"`
	FSResourcePath string         `json:"fs_resource_path"`
	AllowType      []int          `json:"allow_type"`
	PollInterval   int            `json:"poll_task_interval"`
	ManualIP       string         `json:"manual_ip"`
	MaxBodyBytes   int64          `json:"max_body_bytes"`
	Logging        LoggingConfig  `json:"logging"`
	HTTPTimeout    time.Duration  `json:"-"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

const oneGiB = 1 << 30

// DefaultConfig returns the configuration defaults from spec §6.4.
func DefaultConfig() *Config {
	return &Config{
		URL:            "127.0.0.1:18888",
		DBDSN:          "sqlite://gpuproxy.db",
		MaxTasks:       1,
		DisableWorker:  false,
		ResourceType:   "fs",
		FSResourcePath: "",
		AllowType:      nil,
		PollInterval:   60,
		ManualIP:       "",
		MaxBodyBytes:   oneGiB,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "console",
		},
		HTTPTimeout: 60 * time.Second,
	}
}

// Load loads configuration from file (if any) with environment overrides applied
// on top, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("GPUPROXY_URL"); val != "" {
		c.URL = val
	}
	if val := os.Getenv("GPUPROXY_DB_DSN"); val != "" {
		c.DBDSN = val
	}
	if val := os.Getenv("GPUPROXY_MAX_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxTasks = n
		}
	}
	if val := os.Getenv("GPUPROXY_DISABLE_WORKER"); val != "" {
		c.DisableWorker = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("GPUPROXY_RESOURCE_TYPE"); val != "" {
		c.ResourceType = val
	}
	if val := os.Getenv("GPUPROXY_FS_RESOURCE_PATH"); val != "" {
		c.FSResourcePath = val
	}
	if val := os.Getenv("GPUPROXY_ALLOW_TYPE"); val != "" {
		c.AllowType = parseIntList(val)
	}
	if val := os.Getenv("GPUPROXY_POLL_TASK_INTERVAL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.PollInterval = n
		}
	}
	if val := os.Getenv("GPUPROXY_MANUAL_IP"); val != "" {
		c.ManualIP = val
	}
	if val := os.Getenv("GPUPROXY_MAX_BODY_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	if val := os.Getenv("GPUPROXY_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("GPUPROXY_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("GPUPROXY_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("GPUPROXY_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	c.HTTPTimeout = 60 * time.Second
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.HTTPTimeout = d
		}
	}
}

func parseIntList(val string) []int {
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks the configuration for self-consistency.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db-dsn cannot be empty")
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("max-tasks must be positive")
	}
	switch c.ResourceType {
	case "db", "fs":
	default:
		return fmt.Errorf("resource-type must be \"db\" or \"fs\", got %q", c.ResourceType)
	}
	if c.ResourceType == "fs" && c.FSResourcePath == "" {
		return fmt.Errorf("fs-resource-path is required when resource-type is \"fs\"")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-task-interval must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max-body-bytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"console": true, "stdout": true, "stderr": true, "file": true, "both": true}
	if !validOutputs[strings.ToLower(c.Logging.Output)] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// SaveToFile writes the configuration to path as indented JSON.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
