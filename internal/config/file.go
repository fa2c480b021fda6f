package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	TLS struct {
		Enabled      bool   `yaml:"enabled"`
		CertFile     string `yaml:"cert_file"`
		KeyFile      string `yaml:"key_file"`
		GenerateCert bool   `yaml:"generate_cert"`
	} `yaml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials bool   `yaml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age"`
	} `yaml:"cors"`

	Store struct {
		Backend    string        `yaml:"backend"`
		Path       string        `yaml:"path"`
		Addr       string        `yaml:"addr"`
		DSN        string        `yaml:"dsn"`
		Prefix     string        `yaml:"prefix"`
		SessionTTL time.Duration `yaml:"session_ttl"`
		LockTTL    time.Duration `yaml:"lock_ttl"`
	} `yaml:"store"`

	Sync struct {
		MaxPatchAttempts int           `yaml:"max_patch_attempts"`
		CheckDebounce    time.Duration `yaml:"check_debounce"`
		InsertBias       string        `yaml:"insert_bias"`
		StrictSanity     bool          `yaml:"strict_sanity"`
	} `yaml:"sync"`

	Fanout struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"fanout"`

	External struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"external"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port: 3000,
		TLS: TLSConfig{
			Enabled:      false,
			CertFile:     "cert/cert.pem",
			KeyFile:      "cert/key.pem",
			GenerateCert: false,
		},
		CORS: CORSConfig{
			Enabled:          false,
			AllowOrigins:     "*",
			AllowMethods:     "GET, POST, OPTIONS",
			AllowHeaders:     "Content-Type, Authorization, Subscribe, Version, Parents",
			AllowCredentials: false,
			MaxAge:           86400,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			Path:       "groupsync.db",
			Addr:       "localhost:6379",
			Prefix:     "groupsync:session:",
			SessionTTL: 30 * 24 * time.Hour,
			LockTTL:    time.Minute,
		},
		Sync: SyncConfig{
			MaxPatchAttempts: 5,
			CheckDebounce:    time.Second,
			InsertBias:       "end",
			StrictSanity:     false,
		},
		Fanout: FanoutConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "groupsync:broadcast",
		},
		External: ExternalConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	config := Default()

	if filePath == "" {
		return config, nil
	}
	config.File = filePath

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if fileConfig.Server.Port != 0 {
		config.Port = fileConfig.Server.Port
	}

	// TLS settings
	config.TLS.Enabled = fileConfig.TLS.Enabled
	if fileConfig.TLS.CertFile != "" {
		config.TLS.CertFile = fileConfig.TLS.CertFile
	}
	if fileConfig.TLS.KeyFile != "" {
		config.TLS.KeyFile = fileConfig.TLS.KeyFile
	}
	config.TLS.GenerateCert = fileConfig.TLS.GenerateCert

	// CORS settings
	config.CORS.Enabled = fileConfig.CORS.Enabled
	if fileConfig.CORS.AllowOrigins != "" {
		config.CORS.AllowOrigins = fileConfig.CORS.AllowOrigins
	}
	if fileConfig.CORS.AllowMethods != "" {
		config.CORS.AllowMethods = fileConfig.CORS.AllowMethods
	}
	if fileConfig.CORS.AllowHeaders != "" {
		config.CORS.AllowHeaders = fileConfig.CORS.AllowHeaders
	}
	config.CORS.AllowCredentials = fileConfig.CORS.AllowCredentials
	if fileConfig.CORS.MaxAge != 0 {
		config.CORS.MaxAge = fileConfig.CORS.MaxAge
	}

	// Store settings
	if fileConfig.Store.Backend != "" {
		config.Store.Backend = fileConfig.Store.Backend
	}
	if fileConfig.Store.Path != "" {
		config.Store.Path = fileConfig.Store.Path
	}
	if fileConfig.Store.Addr != "" {
		config.Store.Addr = fileConfig.Store.Addr
	}
	config.Store.DSN = fileConfig.Store.DSN
	if fileConfig.Store.Prefix != "" {
		config.Store.Prefix = fileConfig.Store.Prefix
	}
	if fileConfig.Store.SessionTTL != 0 {
		config.Store.SessionTTL = fileConfig.Store.SessionTTL
	}
	if fileConfig.Store.LockTTL != 0 {
		config.Store.LockTTL = fileConfig.Store.LockTTL
	}

	// Sync settings
	if fileConfig.Sync.MaxPatchAttempts != 0 {
		config.Sync.MaxPatchAttempts = fileConfig.Sync.MaxPatchAttempts
	}
	if fileConfig.Sync.CheckDebounce != 0 {
		config.Sync.CheckDebounce = fileConfig.Sync.CheckDebounce
	}
	if fileConfig.Sync.InsertBias != "" {
		config.Sync.InsertBias = fileConfig.Sync.InsertBias
	}
	config.Sync.StrictSanity = fileConfig.Sync.StrictSanity

	// Fanout settings
	config.Fanout.Enabled = fileConfig.Fanout.Enabled
	if fileConfig.Fanout.Addr != "" {
		config.Fanout.Addr = fileConfig.Fanout.Addr
	}
	if fileConfig.Fanout.Channel != "" {
		config.Fanout.Channel = fileConfig.Fanout.Channel
	}

	// External integration
	config.External.URL = fileConfig.External.URL
	if fileConfig.External.Timeout != 0 {
		config.External.Timeout = fileConfig.External.Timeout
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBolt, BackendRedis, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.DSN == "" {
		return fmt.Errorf("store backend postgres needs a dsn")
	}
	if c.Sync.MaxPatchAttempts < 1 {
		return fmt.Errorf("sync.max_patch_attempts must be at least 1")
	}
	switch c.Sync.InsertBias {
	case "start", "end":
	default:
		return fmt.Errorf("sync.insert_bias must be start or end, got %q", c.Sync.InsertBias)
	}
	return nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	def := Default()
	var fileConfig FileConfig

	fileConfig.Server.Port = def.Port

	fileConfig.TLS.Enabled = def.TLS.Enabled
	fileConfig.TLS.CertFile = def.TLS.CertFile
	fileConfig.TLS.KeyFile = def.TLS.KeyFile
	fileConfig.TLS.GenerateCert = def.TLS.GenerateCert

	fileConfig.CORS.Enabled = def.CORS.Enabled
	fileConfig.CORS.AllowOrigins = def.CORS.AllowOrigins
	fileConfig.CORS.AllowMethods = def.CORS.AllowMethods
	fileConfig.CORS.AllowHeaders = def.CORS.AllowHeaders
	fileConfig.CORS.AllowCredentials = def.CORS.AllowCredentials
	fileConfig.CORS.MaxAge = def.CORS.MaxAge

	fileConfig.Store.Backend = def.Store.Backend
	fileConfig.Store.Path = def.Store.Path
	fileConfig.Store.Addr = def.Store.Addr
	fileConfig.Store.Prefix = def.Store.Prefix
	fileConfig.Store.SessionTTL = def.Store.SessionTTL
	fileConfig.Store.LockTTL = def.Store.LockTTL

	fileConfig.Sync.MaxPatchAttempts = def.Sync.MaxPatchAttempts
	fileConfig.Sync.CheckDebounce = def.Sync.CheckDebounce
	fileConfig.Sync.InsertBias = def.Sync.InsertBias
	fileConfig.Sync.StrictSanity = def.Sync.StrictSanity

	fileConfig.Fanout.Enabled = def.Fanout.Enabled
	fileConfig.Fanout.Addr = def.Fanout.Addr
	fileConfig.Fanout.Channel = def.Fanout.Channel

	fileConfig.External.URL = def.External.URL
	fileConfig.External.Timeout = def.External.Timeout

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	yamlWithComments := "# groupsync server configuration\n" +
		"# The sync section is reloaded while the server runs\n\n" +
		string(data)

	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
