package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	DefaultRegistry  string
	DefaultRepo      string
	DefaultBuilder   string
	DefaultBaseImage string
	InsecureRegistry bool
	DockerHost       string
	RegistryUsername string
	RegistryPassword string
	ExistsMaxTries   uint
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DefaultRegistry:  getEnv("DEFAULT_REGISTRY", "localhost:5000"),
		DefaultRepo:      getEnv("DEFAULT_REPOSITORY", "kiln"),
		DefaultBuilder:   getEnv("DEFAULT_BUILDER", ""),
		DefaultBaseImage: getEnv("DEFAULT_BASE_IMAGE", ""),
		InsecureRegistry: getEnvBool("INSECURE_REGISTRY", false),
		DockerHost:       getEnv("DOCKER_HOST_OVERRIDE", ""),
		RegistryUsername: getEnv("REGISTRY_USERNAME", ""),
		RegistryPassword: getEnv("REGISTRY_PASSWORD", ""),
		ExistsMaxTries:   getEnvUint("EXISTS_MAX_TRIES", 4),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint) uint {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint(parsed)
		}
	}
	return defaultValue
}
