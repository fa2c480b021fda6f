package config

import (
	"flag"
	"time"

	"github.com/golang/glog"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool   `env:"GROUPSYNC_TLS_ENABLED"`
	CertFile     string `env:"GROUPSYNC_TLS_CERT_FILE"`
	KeyFile      string `env:"GROUPSYNC_TLS_KEY_FILE"`
	GenerateCert bool   `env:"GROUPSYNC_TLS_GENERATE_CERT"`
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool   `env:"GROUPSYNC_CORS_ENABLED"`
	AllowOrigins     string `env:"GROUPSYNC_CORS_ALLOW_ORIGINS"`
	AllowMethods     string `env:"GROUPSYNC_CORS_ALLOW_METHODS"`
	AllowHeaders     string `env:"GROUPSYNC_CORS_ALLOW_HEADERS"`
	AllowCredentials bool   `env:"GROUPSYNC_CORS_ALLOW_CREDENTIALS"`
	MaxAge           int    `env:"GROUPSYNC_CORS_MAX_AGE"`
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the session store
type StoreConfig struct {
	Backend    string        `env:"GROUPSYNC_STORE_BACKEND"`
	Path       string        `env:"GROUPSYNC_STORE_PATH"`   // Path is the bolt or sqlite file
	Addr       string        `env:"GROUPSYNC_STORE_ADDR"`   // Addr is the redis address
	DSN        string        `env:"GROUPSYNC_STORE_DSN"`    // DSN is the postgres connection string
	Prefix     string        `env:"GROUPSYNC_STORE_PREFIX"` // Prefix namespaces redis keys
	SessionTTL time.Duration `env:"GROUPSYNC_STORE_SESSION_TTL"`
	LockTTL    time.Duration `env:"GROUPSYNC_STORE_LOCK_TTL"`
}

// SyncConfig holds the tuning constants of the sync protocol. It can be
// reloaded while the server runs.
type SyncConfig struct {
	MaxPatchAttempts int           `env:"GROUPSYNC_SYNC_MAX_PATCH_ATTEMPTS"`
	CheckDebounce    time.Duration `env:"GROUPSYNC_SYNC_CHECK_DEBOUNCE"`
	InsertBias       string        `env:"GROUPSYNC_SYNC_INSERT_BIAS"`
	StrictSanity     bool          `env:"GROUPSYNC_SYNC_STRICT_SANITY"`
}

// FanoutConfig relays broadcasts between server instances over redis
type FanoutConfig struct {
	Enabled bool   `env:"GROUPSYNC_FANOUT_ENABLED"`
	Addr    string `env:"GROUPSYNC_FANOUT_ADDR"`
	Channel string `env:"GROUPSYNC_FANOUT_CHANNEL"`
}

// ExternalConfig points external jobs at a webhook. Jobs fail with "no
// external integration configured" when URL is empty.
type ExternalConfig struct {
	URL     string        `env:"GROUPSYNC_EXTERNAL_URL"`
	Timeout time.Duration `env:"GROUPSYNC_EXTERNAL_TIMEOUT"`
}

// Config holds the application configuration
type Config struct {
	File   string // File is the path the configuration was loaded from
	Port   int    `env:"GROUPSYNC_PORT"`
	TLS    TLSConfig
	CORS   CORSConfig
	Store  StoreConfig
	Sync   SyncConfig
	Fanout   FanoutConfig
	External ExternalConfig
}

// ParseFlags parses command line flags and merges them over the config
// file and environment
func ParseFlags() (*Config, error) {
	configFlag := flag.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := flag.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := flag.String("config-path", "config.yml", "Path where config file should be generated")

	portFlag := flag.Int("p", 0, "Port to listen on (overrides config)")

	flag.Parse()

	if *generateConfigFlag {
		glog.Infof("Generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		glog.Infof("Configuration file generated successfully")
	}

	config, err := Load(*configFlag)
	if err != nil {
		glog.Warningf("Could not load config file: %v", err)
		glog.Warningf("Using default configuration")

		config, err = Load("")
		if err != nil {
			return nil, err
		}
	}

	if *portFlag != 0 {
		config.Port = *portFlag
	}

	return config, nil
}

// Load reads the file at path (defaults only when path is empty) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}
