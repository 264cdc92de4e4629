package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all runtime settings for the control plane. Values come
// from environment variables with sensible defaults for a docker-compose
// deployment; the serve command may override some via flags.
type Config struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// RedisAddr is the host:port of the Redis server.
	RedisAddr string
	RedisDB   int

	// APIBaseURL is the URL workers use to reach this control plane.
	// Injected into every worker container.
	APIBaseURL string

	// ContainerHost is the scheme+host prefix recorded for worker VNC
	// ports, e.g. "http://localhost".
	ContainerHost string

	// WorkspaceDir is the host directory holding per-project workspaces
	// mounted into worker containers.
	WorkspaceDir string

	// ClashConfigPath is the multiplexer's on-disk YAML config.
	ClashConfigPath string

	// ClashProvidersDir holds provider YAML files merged on refresh.
	ClashProvidersDir string

	// ClashAdminURL is the multiplexer's admin API base URL.
	ClashAdminURL string

	// ClashContainerName is the multiplexer container restarted to
	// reload its config.
	ClashContainerName string

	// PushURL is the push-notification service endpoint.
	PushURL string

	// MaxTaskRetries is the failure ceiling before a task turns failed.
	MaxTaskRetries int

	// WorkerPortStart is the first host port allocated to workers.
	WorkerPortStart int

	LogLevel string
	LogJSON  bool
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8000"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		APIBaseURL:         getEnv("API_BASE_URL", "http://backend:8000"),
		ContainerHost:      getEnv("CONTAINER_HOST", "http://localhost"),
		WorkspaceDir:       getEnv("WORKSPACE_DIR", "/srv/dispider/projects"),
		ClashConfigPath:    getEnv("CLASH_CONFIG_PATH", "clash/config.yml"),
		ClashProvidersDir:  getEnv("CLASH_PROVIDERS_DIR", "clash/providers"),
		ClashAdminURL:      getEnv("CLASH_ADMIN_URL", "http://clash:9090"),
		ClashContainerName: getEnv("CLASH_CONTAINER_NAME", "clash"),
		PushURL:            getEnv("PUSH_URL", "https://push.i-i.me"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogJSON:            getEnvBool("LOG_JSON", true),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxTaskRetries, err = getEnvInt("MAX_TASK_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.WorkerPortStart, err = getEnvInt("WORKER_PORT_START", 30000); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
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
