// Package config loads tablerelay's recognized options (spec §6.4) from the
// environment, following the same small getEnv/getEnvInt helpers the teacher
// codebase uses in its entrypoint rather than reaching for a config framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// DirectoryMode selects whether the Directory is backed by Redis or kept
// process-local (spec §4.1).
type DirectoryMode string

const (
	DirectoryShared   DirectoryMode = "shared"
	DirectoryDisabled DirectoryMode = "disabled"
)

// Config holds every recognized option from spec §6.4.
type Config struct {
	Port                  int
	PingInterval          time.Duration
	CleanupInterval       time.Duration
	DirectoryMode         DirectoryMode
	RedisHost             string
	RedisPort             string
	RedisPassword         string
	RedisDB               int
	ReplicaID             string
	OutboundQueueCapacity int
	InternalProxyScheme   string
	InternalProxyPort     int
	KindTimeouts          map[string]time.Duration
	AuthStoreDSN          string
	LogLevel              string
	LogPretty             bool
}

// DefaultKindTimeouts implements spec §4.4's per-kind timeout overrides:
// 10s default, 20s for rendered-view and file download, 30s for upload.
func DefaultKindTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"query":               10 * time.Second,
		"fetch-entity":        10 * time.Second,
		"fetch-structure":     10 * time.Second,
		"fetch-contents":      10 * time.Second,
		"fetch-rendered-view": 20 * time.Second,
		"filesystem-download": 20 * time.Second,
		"filesystem-upload":   30 * time.Second,
	}
}

const defaultKindTimeout = 10 * time.Second

// Load reads configuration from the environment, applying the same defaults
// named in spec §6.4.
func Load() Config {
	replicaID := getEnv("REPLICA_ID", "")
	if replicaID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			replicaID = host
		} else {
			replicaID = "local"
		}
	}

	timeouts := DefaultKindTimeouts()
	for kind, def := range timeouts {
		key := "KIND_TIMEOUT_MS_" + envKeyFromKind(kind)
		timeouts[kind] = getEnvDuration(key, def)
	}

	port := getEnvInt("PORT", 3010)

	return Config{
		Port:                  port,
		PingInterval:          getEnvDuration("PING_INTERVAL_MS", 20*time.Second),
		CleanupInterval:       getEnvDuration("CLEANUP_INTERVAL_MS", 15*time.Second),
		DirectoryMode:         DirectoryMode(getEnv("DIRECTORY_MODE", string(DirectoryDisabled))),
		RedisHost:             getEnv("REDIS_HOST", "localhost"),
		RedisPort:             getEnv("REDIS_PORT", "6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		ReplicaID:             replicaID,
		OutboundQueueCapacity: getEnvInt("OUTBOUND_QUEUE_CAPACITY", 256),
		InternalProxyScheme:   getEnv("INTERNAL_PROXY_SCHEME", "http://%s.internal:%d"),
		InternalProxyPort:     getEnvInt("INTERNAL_PROXY_PORT", port),
		KindTimeouts:          timeouts,
		AuthStoreDSN:          getEnv("AUTH_STORE_DSN", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getEnvBool("LOG_PRETTY", false),
	}
}

// TimeoutFor returns the configured timeout for kind, falling back to the
// §4.4 default of 10s for any kind without an explicit override.
func (c Config) TimeoutFor(kind string) time.Duration {
	if d, ok := c.KindTimeouts[kind]; ok {
		return d
	}
	return defaultKindTimeout
}

func envKeyFromKind(kind string) string {
	out := make([]byte, 0, len(kind))
	for _, r := range kind {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
