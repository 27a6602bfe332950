package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overrides cfg with any ADAPIPE_* environment variables set.
func LoadFromEnv(cfg *Config) {
	if level := os.Getenv("ADAPIPE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if path := os.Getenv("ADAPIPE_REPOSITORY_PATH"); path != "" {
		cfg.Repository.Path = path
	}

	if workers := os.Getenv("ADAPIPE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Engine.Workers = n
		}
	}

	if chunkMB := os.Getenv("ADAPIPE_CHUNK_SIZE_MB"); chunkMB != "" {
		if n, err := strconv.Atoi(chunkMB); err == nil {
			cfg.Engine.ChunkSizeMB = n
		}
	}
}

// GetEnvOrDefault returns the named environment variable, or defaultValue
// if it is unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
