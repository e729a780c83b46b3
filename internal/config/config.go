package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds reach-server's runtime options, loaded once at startup from
// the environment (and an optional .env file), per spec.md §6's
// configuration table.
type Config struct {
	// Server
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// HTTP
	ListenHost string
	ListenPort int

	// Tunnel
	TunnelListenAddr string
	TunnelDataDir    string
	TunnelPortStart  int
	TunnelPortEnd    int

	// Auth
	APIKey string // bearer token; empty means unauthenticated (warn loudly)

	// Path Policy
	AllowedPaths []string

	// Health Monitor
	HeartbeatInterval  int // seconds
	FailureThreshold   int
	HeartbeatGraceSecs int

	// Retention
	HistoryRetentionDays int

	// CORS
	CORSAllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env:                getEnv("ENV", "development"),
		Version:            getEnv("VERSION", "0.1.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		ListenHost:         getEnv("LISTEN_HOST", "0.0.0.0"),
		ListenPort:         getEnvAsInt("LISTEN_PORT", 8080),
		TunnelListenAddr:   getEnv("TUNNEL_LISTEN_ADDR", ":2222"),
		TunnelDataDir:      getEnv("TUNNEL_DATA_DIR", "./data"),
		TunnelPortStart:    getEnvAsInt("TUNNEL_PORT_START", 40000),
		TunnelPortEnd:      getEnvAsInt("TUNNEL_PORT_END", 49999),
		APIKey:             firstNonEmpty(getEnv("REACH_API_KEY", ""), getEnv("ETPHONEHOME_API_KEY", "")),
		AllowedPaths:       getEnvAsSlice("ALLOWED_PATHS", nil),
		HeartbeatInterval:  getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 15),
		FailureThreshold:   getEnvAsInt("HEARTBEAT_FAILURE_THRESHOLD", 3),
		HeartbeatGraceSecs: getEnvAsInt("HEARTBEAT_GRACE_SECONDS", 15),
		HistoryRetentionDays: getEnvAsInt("HISTORY_RETENTION_DAYS", 30),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "WARNING: no REACH_API_KEY set — the operator API is unauthenticated")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Simple CSV split (for more complex parsing, use a proper CSV library)
	var result []string
	current := ""
	for _, char := range valueStr {
		if char == ',' {
			if current != "" {
				result = append(result, current)
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		result = append(result, current)
	}

	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
