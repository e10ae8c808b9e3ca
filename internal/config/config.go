package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates the service configuration.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Backend BackendConfig
	Models  ModelConfig
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

// StoreConfig describes the durable session store.
type StoreConfig struct {
	DatabasePath    string
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

// BackendConfig describes the external completion command.
type BackendConfig struct {
	Command string
	Args    []string
}

// ModelConfig describes the model allow-list.
type ModelConfig struct {
	Supported []string
	Default   string
}

// defaultModels mirrors the names the backend CLI is known to accept.
var defaultModels = []string{
	"sonnet",
	"opus",
	"claude-sonnet-4-20250514",
	"claude-opus-3-20240229",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	st, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	backend := loadBackendConfig()
	models := loadModelConfig()

	return &Config{Server: server, Store: st, Backend: backend, Models: models}, nil
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8000" or "127.0.0.1:8000" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadStoreConfig() (StoreConfig, error) {
	ttlHours := 24
	if override, err := parseOptionalIntEnv("SESSION_TTL_HOURS"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return StoreConfig{}, fmt.Errorf("SESSION_TTL_HOURS must be at least 1")
		}
		ttlHours = *override
	}

	cleanupMinutes := 60
	if override, err := parseOptionalIntEnv("SESSION_CLEANUP_MINUTES"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return StoreConfig{}, fmt.Errorf("SESSION_CLEANUP_MINUTES must be at least 1")
		}
		cleanupMinutes = *override
	}

	return StoreConfig{
		DatabasePath:    getEnvOrDefault("DATABASE_PATH", "sessions.db"),
		SessionTTL:      time.Duration(ttlHours) * time.Hour,
		CleanupInterval: time.Duration(cleanupMinutes) * time.Minute,
	}, nil
}

func loadBackendConfig() BackendConfig {
	command := getEnvOrDefault("BACKEND_COMMAND", "claude")

	// BACKEND_ARGS carries extra flags inserted before the generated ones.
	var args []string
	if raw := strings.TrimSpace(os.Getenv("BACKEND_ARGS")); raw != "" {
		args = strings.Fields(raw)
	}

	return BackendConfig{Command: command, Args: args}
}

func loadModelConfig() ModelConfig {
	supported := defaultModels
	if raw := strings.TrimSpace(os.Getenv("SUPPORTED_MODELS")); raw != "" {
		supported = nil
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				supported = append(supported, name)
			}
		}
	}

	def := getEnvOrDefault("DEFAULT_MODEL", "sonnet")
	if !contains(supported, def) && len(supported) > 0 {
		def = supported[0]
	}

	return ModelConfig{Supported: supported, Default: def}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
