package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// this is a pointer so that if someone attempts to use it before loading it will
// panic and force them to load it first.
// it is also private so that it cannot be modified after loading.
var _loaded *Config

// Config is the main configuration structure
type Config struct {
	Common Common `yaml:"common"`
}

// Load loads the configuration following proper precedence: defaults → config file → environment variables
func Load() {
	cfg := defaultConfig
	_loaded = &cfg

	configFile := os.Getenv("USER_SERVICE_CONFIG_FILE")
	if configFile == "" {
		configFile = "user-service.yaml"
	}

	if err := LoadFromFile(configFile); err != nil {
		log.Printf("Failed to load config file: %v, using defaults", err)
	} else {
		log.Printf("Successfully loaded config from file: %s", configFile)
	}

	ApplyEnvOverrides()
}

func LoadDefault() {
	cfg := defaultConfig
	_loaded = &cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	_loaded = cfg
	return nil
}

// Parse merges YAML values over the defaults without touching the loaded config.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// set sane defaults for all of the config options. when loading the config from
// the file, any options that are not set will be set to these defaults.
var defaultConfig = Config{
	Common: Common{
		Log: logConfig{
			Level:  "info",
			Format: "json",
		},
		Http: httpConfig{
			Host:           "0.0.0.0",
			Port:           4000,
			MaxRequestSize: 6291456,
		},
		Postgres: postgresConfig{
			User:               "postgres",
			Password:           "postgres",
			Host:               "localhost",
			Port:               5432,
			Database:           "users",
			MaxOpenConnections: 10,
		},
		Profiles: profilesConfig{
			Backend: "postgres",
		},
		AuthService: authServiceConfig{
			BaseURL:            "http://auth-service:5000",
			Timeout:            5 * time.Second,
			ServiceName:        "user-service",
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Coordinator: coordinatorConfig{
			OperationTimeout: 15 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         2 * time.Second,
		},
		Reconciliation: reconciliationConfig{
			Sink:          "postgres",
			SweepInterval: 0,
			SweepBatch:    100,
		},
		Uploads: uploadsConfig{
			Dir:          "uploads",
			MaxFileBytes: 5 * 1024 * 1024,
		},
	},
}

type Common struct {
	Log            logConfig            `yaml:"log"`
	Http           httpConfig           `yaml:"http"`
	Postgres       postgresConfig       `yaml:"postgres"`
	Profiles       profilesConfig       `yaml:"profiles"`
	AuthService    authServiceConfig    `yaml:"auth_service"`
	Coordinator    coordinatorConfig    `yaml:"coordinator"`
	Reconciliation reconciliationConfig `yaml:"reconciliation"`
	Uploads        uploadsConfig        `yaml:"uploads"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type httpConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxRequestSize int64  `yaml:"max_request_size"` // whole request body, multipart uploads included
}

type postgresConfig struct {
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	MaxOpenConnections int    `yaml:"max_open_connections"`
}

func (c postgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.Database),
	)
}

type profilesConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "memory"
}

type authServiceConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`      // per call
	ServiceName        string        `yaml:"service_name"` // sent as X-Requested-By
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type coordinatorConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

type reconciliationConfig struct {
	Sink          string        `yaml:"sink"` // "postgres", "memory" or "log"
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

type uploadsConfig struct {
	Dir          string `yaml:"dir"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// there should be a getter for each top level field in the config struct.
// these getters will panic if the config has not been loaded.

func Logger() logConfig {
	return mustLoaded().Common.Log
}

func Http() httpConfig {
	return mustLoaded().Common.Http
}

func Postgres() postgresConfig {
	return mustLoaded().Common.Postgres
}

func Profiles() profilesConfig {
	return mustLoaded().Common.Profiles
}

func AuthService() authServiceConfig {
	return mustLoaded().Common.AuthService
}

func Coordinator() coordinatorConfig {
	return mustLoaded().Common.Coordinator
}

func Reconciliation() reconciliationConfig {
	return mustLoaded().Common.Reconciliation
}

func Uploads() uploadsConfig {
	return mustLoaded().Common.Uploads
}

func Get() *Config {
	return mustLoaded()
}

func mustLoaded() *Config {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded
}

func ApplyEnvOverrides() {
	if _loaded == nil {
		return
	}
	applyEnv(_loaded)
}

func applyEnv(cfg *Config) {
	c := &cfg.Common

	setString("USER_SERVICE_LOG_LEVEL", &c.Log.Level)
	setString("USER_SERVICE_LOG_FORMAT", &c.Log.Format)

	setString("USER_SERVICE_HTTP_HOST", &c.Http.Host)
	setInt("USER_SERVICE_HTTP_PORT", &c.Http.Port)
	// PORT is what the original deployment sets
	setInt("PORT", &c.Http.Port)
	setInt64("USER_SERVICE_HTTP_MAX_REQUEST_SIZE", &c.Http.MaxRequestSize)

	setString("USER_SERVICE_DB_HOST", &c.Postgres.Host)
	setInt("USER_SERVICE_DB_PORT", &c.Postgres.Port)
	setString("USER_SERVICE_DB_USER", &c.Postgres.User)
	setString("USER_SERVICE_DB_PASSWORD", &c.Postgres.Password)
	setString("USER_SERVICE_DB_NAME", &c.Postgres.Database)

	setString("USER_SERVICE_PROFILES_BACKEND", &c.Profiles.Backend)

	setString("USER_SERVICE_AUTH_BASE_URL", &c.AuthService.BaseURL)
	setDuration("USER_SERVICE_AUTH_TIMEOUT", &c.AuthService.Timeout)
	setString("USER_SERVICE_NAME", &c.AuthService.ServiceName)

	setDuration("USER_SERVICE_OPERATION_TIMEOUT", &c.Coordinator.OperationTimeout)
	setInt("USER_SERVICE_MAX_ATTEMPTS", &c.Coordinator.MaxAttempts)

	setString("USER_SERVICE_RECONCILIATION_SINK", &c.Reconciliation.Sink)
	setDuration("USER_SERVICE_SWEEP_INTERVAL", &c.Reconciliation.SweepInterval)

	setString("USER_SERVICE_UPLOAD_DIR", &c.Uploads.Dir)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
