// Package config builds runtime configuration from environment variables,
// following the generic env-lookup helper used throughout the teacher's
// controllers package.
package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultSSHServerAddress  = "localhost:22"
	defaultSSHUsername       = "tunnel-user"
	defaultPrivateKeyPath    = "/ssh/id"
	defaultConnectTimeout    = 5 * time.Second
	defaultKeepAliveInterval = 10 * time.Second
	defaultBackoffInterval   = 5 * time.Second
	defaultForwardReqTimeout = 15 * time.Second
	defaultPAMServiceName    = "sshd"
)

// Config is the forwarder's env-driven runtime configuration. Client-role
// and server-role fields coexist; cmd/sshfwd only reads the ones its
// selected role needs.
type Config struct {
	SSHServerAddress   string
	SSHUsername        string
	PrivateKeyPath     string
	HostKeyFingerprint string
	ConnectTimeout     time.Duration
	KeepAliveInterval  time.Duration
	BackoffInterval    time.Duration
	ForwardReqTimeout  time.Duration

	ServerHostKeyPath string
	PAMServiceName    string
}

// Load reads Config from the environment, falling back to the same defaults
// the teacher's controllers package hardcodes.
func Load() Config {
	return Config{
		SSHServerAddress:   getEnvOrDefault("SSH_SERVER", defaultSSHServerAddress),
		SSHUsername:        getEnvOrDefault("SSH_USERNAME", defaultSSHUsername),
		PrivateKeyPath:     getEnvOrDefault("SSH_PRIVATE_KEY_PATH", defaultPrivateKeyPath),
		HostKeyFingerprint: getEnvOrDefault("SSH_HOST_KEY", ""),
		ConnectTimeout:     getEnvOrDefault("CONNECT_TIMEOUT", defaultConnectTimeout),
		KeepAliveInterval:  getEnvOrDefault("KEEP_ALIVE_INTERVAL", defaultKeepAliveInterval),
		BackoffInterval:    getEnvOrDefault("BACKOFF_INTERVAL", defaultBackoffInterval),
		ForwardReqTimeout:  getEnvOrDefault("FORWARD_REQUEST_TIMEOUT", defaultForwardReqTimeout),
		ServerHostKeyPath:  getEnvOrDefault("SSH_HOST_KEY_PATH", "/ssh/host_key"),
		PAMServiceName:     getEnvOrDefault("PAM_SERVICE_NAME", defaultPAMServiceName),
	}
}

// getEnvOrDefault mirrors the teacher's generic helper, extended with a
// time.Duration case: the original's switch only handled int and string,
// so a duration-typed default value (as every timeout/interval field here
// is) fell straight through to "ignore the env var", silently. Duration
// values are parsed with time.ParseDuration.
func getEnvOrDefault[T any](key string, defaultValue T) T {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var parsedValue T
	switch any(defaultValue).(type) {
	case int:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		parsedValue = any(parsed).(T)
	case string:
		parsedValue = any(value).(T)
	case time.Duration:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		parsedValue = any(parsed).(T)
	default:
		return defaultValue
	}
	return parsedValue
}
