// Package config loads runtime configuration for the middleware.
// Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the middleware.
type Config struct {
	HTTPPort int
	DataDir  string // SQLite data directory, used when DBDSN is empty
	DBDSN    string // PostgreSQL connection string

	RedisServerList string // comma-separated host:port list

	AppAPIURL          string // public base URL, injected into push payloads
	RoundtripWait      int    // total wait budget in ms (W)
	ResendInterval     int    // push retry spacing in ms (R)
	CertDir            string
	APNS2Devices       string // comma-separated sip_user_ids on the apns2 sub-transport
	APNSKeyFile        string
	APNSKeyID          string
	APNSTeamID         string
	APNSBundleID       string
	FCMCredentialsFile string

	DirectoryUserURL string // upstream directory API systemuser endpoint
	DirectoryBaseURL string // upstream directory API base for relative refs

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultHTTPPort       = 8080
	defaultDataDir        = "./data"
	defaultRedisServers   = "127.0.0.1:6379"
	defaultRoundtripWait  = 6000
	defaultResendInterval = 2000
	defaultCertDir        = "./certs"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for middleware-specific environment variables.
// The options shared with the deployment environment (push timings, cache
// servers, cert dir) keep their historical unprefixed names.
const envPrefix = "VIALER_"

// Load parses configuration from the given arguments and the environment.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("vialer-middleware", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite device store")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "PostgreSQL connection string; empty uses SQLite in data-dir")
	fs.StringVar(&cfg.RedisServerList, "redis-server-list", defaultRedisServers, "comma-separated host:port list of Redis nodes")
	fs.StringVar(&cfg.AppAPIURL, "app-api-url", "", "public base URL of this service, injected into push payloads")
	fs.IntVar(&cfg.RoundtripWait, "push-roundtrip-wait", defaultRoundtripWait, "total time in ms to wait for a device response")
	fs.IntVar(&cfg.ResendInterval, "push-resend-interval", defaultResendInterval, "spacing in ms between push retries for one call")
	fs.StringVar(&cfg.CertDir, "cert-dir", defaultCertDir, "directory holding per-app push certificates")
	fs.StringVar(&cfg.APNS2Devices, "apns2-devices", "", "comma-separated sip_user_ids opted in to the apns2 sub-transport")
	fs.StringVar(&cfg.APNSKeyFile, "apns-key-file", "", "path to the APNs .p8 private key file")
	fs.StringVar(&cfg.APNSKeyID, "apns-key-id", "", "APNs key ID (10-character identifier from Apple)")
	fs.StringVar(&cfg.APNSTeamID, "apns-team-id", "", "Apple Developer Team ID (10-character identifier)")
	fs.StringVar(&cfg.APNSBundleID, "apns-bundle-id", "", "iOS app bundle identifier (APNs topic)")
	fs.StringVar(&cfg.FCMCredentialsFile, "fcm-credentials", "", "path to the Firebase service account JSON file")
	fs.StringVar(&cfg.DirectoryUserURL, "directory-user-url", "", "upstream directory API endpoint returning the authenticated user")
	fs.StringVar(&cfg.DirectoryBaseURL, "directory-base-url", "", "upstream directory API base URL for relative references")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"http-port":            envPrefix + "HTTP_PORT",
		"data-dir":             envPrefix + "DATA_DIR",
		"db-dsn":               envPrefix + "DB_DSN",
		"redis-server-list":    "REDIS_SERVER_LIST",
		"app-api-url":          "APP_API_URL",
		"push-roundtrip-wait":  "APP_PUSH_ROUNDTRIP_WAIT",
		"push-resend-interval": "APP_PUSH_RESEND_INTERVAL",
		"cert-dir":             "CERT_DIR",
		"apns2-devices":        "APNS2_DEVICES",
		"apns-key-file":        envPrefix + "APNS_KEY_FILE",
		"apns-key-id":          envPrefix + "APNS_KEY_ID",
		"apns-team-id":         envPrefix + "APNS_TEAM_ID",
		"apns-bundle-id":       envPrefix + "APNS_BUNDLE_ID",
		"fcm-credentials":      envPrefix + "FCM_CREDENTIALS",
		"directory-user-url":   envPrefix + "DIRECTORY_USER_URL",
		"directory-base-url":   envPrefix + "DIRECTORY_BASE_URL",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "data-dir":
			cfg.DataDir = val
		case "db-dsn":
			cfg.DBDSN = val
		case "redis-server-list":
			cfg.RedisServerList = val
		case "app-api-url":
			cfg.AppAPIURL = val
		case "push-roundtrip-wait":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RoundtripWait = v
			}
		case "push-resend-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ResendInterval = v
			}
		case "cert-dir":
			cfg.CertDir = val
		case "apns2-devices":
			cfg.APNS2Devices = val
		case "apns-key-file":
			cfg.APNSKeyFile = val
		case "apns-key-id":
			cfg.APNSKeyID = val
		case "apns-team-id":
			cfg.APNSTeamID = val
		case "apns-bundle-id":
			cfg.APNSBundleID = val
		case "fcm-credentials":
			cfg.FCMCredentialsFile = val
		case "directory-user-url":
			cfg.DirectoryUserURL = val
		case "directory-base-url":
			cfg.DirectoryBaseURL = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RoundtripWait <= 0 {
		return fmt.Errorf("push-roundtrip-wait must be positive, got %d", c.RoundtripWait)
	}
	if c.ResendInterval <= 0 {
		return fmt.Errorf("push-resend-interval must be positive, got %d", c.ResendInterval)
	}
	if c.RoundtripWait < c.ResendInterval {
		return fmt.Errorf("push-roundtrip-wait (%d) must not be smaller than push-resend-interval (%d)",
			c.RoundtripWait, c.ResendInterval)
	}
	if c.RedisServerList == "" {
		return fmt.Errorf("redis-server-list must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// RoundtripWaitDuration returns the wait budget W.
func (c *Config) RoundtripWaitDuration() time.Duration {
	return time.Duration(c.RoundtripWait) * time.Millisecond
}

// ResendIntervalDuration returns the retry spacing R.
func (c *Config) ResendIntervalDuration() time.Duration {
	return time.Duration(c.ResendInterval) * time.Millisecond
}

// APNS2DeviceList splits the opt-in list into sip_user_ids.
func (c *Config) APNS2DeviceList() []string {
	if c.APNS2Devices == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(c.APNS2Devices, " ", ""), ",")
	var ids []string
	for _, p := range parts {
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
