// Package config provides configuration management for the lacyconnect daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server configuration
	Port string
	Env  string

	// Database configuration
	DatabaseURL string

	// Device identity
	Hostname   string
	APSSID     string
	APPassword string

	// Interfaces
	WiFiInterface  string
	WiredInterface string // empty means auto-detect
	WiredEnabled   bool

	// Connectivity policy
	CaptivePortalEnabled bool
	PersistConfig        bool // false: begin from the WIFI_* variables, never save
	ConnectTimeout       time.Duration
	PortalTimeout        time.Duration
	RestartDelay         time.Duration
	AutoRestart          bool
	Blocking             bool
	TickRateHz           int

	// Explicit configuration, used when PersistConfig is false
	WiFiSSID     string
	WiFiPassword string
	WiFiBSSID    string
	ForceAPMode  bool

	// Captive portal DNS listener
	DNSAddr string

	// Command run to restart the device; empty disables restarts
	RestartCommand string

	// CORS configuration
	CORSOrigin string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port: getEnv("PORT", "80"),
		Env:  getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "file:./lacyconnect.db"),

		// Identity
		Hostname:   getEnv("DEVICE_HOSTNAME", ""),
		APSSID:     getEnv("AP_SSID", ""),
		APPassword: getEnv("AP_PASSWORD", ""),

		// Interfaces
		WiFiInterface:  getEnv("WIFI_INTERFACE", "wlan0"),
		WiredInterface: getEnv("WIRED_INTERFACE", ""),
		WiredEnabled:   getEnvBool("WIRED_ENABLED", true),

		// Policy
		CaptivePortalEnabled: getEnvBool("CAPTIVE_PORTAL_ENABLED", true),
		PersistConfig:        getEnvBool("PERSIST_CONFIG", true),
		ConnectTimeout:       time.Duration(getEnvInt("CONNECT_TIMEOUT", 20)) * time.Second,
		PortalTimeout:        time.Duration(getEnvInt("PORTAL_TIMEOUT", 180)) * time.Second,
		RestartDelay:         time.Duration(getEnvInt("RESTART_DELAY", 2000)) * time.Millisecond,
		AutoRestart:          getEnvBool("AUTO_RESTART", true),
		Blocking:             getEnvBool("BLOCKING", false),
		TickRateHz:           getEnvInt("TICK_RATE_HZ", 10),

		// Explicit configuration
		WiFiSSID:     getEnv("WIFI_SSID", ""),
		WiFiPassword: getEnv("WIFI_PASSWORD", ""),
		WiFiBSSID:    getEnv("WIFI_BSSID", ""),
		ForceAPMode:  getEnvBool("FORCE_AP_MODE", false),

		DNSAddr:        getEnv("DNS_ADDR", ":53"),
		RestartCommand: getEnv("RESTART_COMMAND", "systemctl reboot"),

		// CORS
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TickInterval returns the period of the state machine loop.
func (c *Config) TickInterval() time.Duration {
	if c.TickRateHz <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(c.TickRateHz)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
