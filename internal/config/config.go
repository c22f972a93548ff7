// Package config loads obddash settings from defaults, an optional YAML file
// and OBDDASH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OBDDASH_"

// MinJWTSecretBytes is the shortest accepted signing secret.
const MinJWTSecretBytes = 32

// Config is the full process configuration.
type Config struct {
	Server    Server    `yaml:"server" envPrefix:"SERVER_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	Blob      Blob      `yaml:"blob" envPrefix:"BLOB_"`
	Auth      Auth      `yaml:"auth" envPrefix:"AUTH_"`
	MQTT      MQTT      `yaml:"mqtt" envPrefix:"MQTT_"`
	Import    Import    `yaml:"import" envPrefix:"IMPORT_"`
	Retention Retention `yaml:"retention" envPrefix:"RETENTION_"`
	Agent     Agent     `yaml:"agent" envPrefix:"AGENT_"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// Log selects the logger flavour.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Storage selects the persistence driver.
type Storage struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	Path        string `yaml:"path" env:"PATH"`
	DSN         string `yaml:"dsn" env:"DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// Blob selects where report artifacts live.
type Blob struct {
	Driver    string `yaml:"driver" env:"DRIVER"`
	Root      string `yaml:"root" env:"ROOT"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	PathStyle bool   `yaml:"path_style" env:"PATH_STYLE"`
}

// Auth configures tokens, sessions and the bootstrap admin.
type Auth struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	BcryptCost    int           `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
	SessionDriver string        `yaml:"session_driver" env:"SESSION_DRIVER"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	AdminEmail    string        `yaml:"admin_email" env:"ADMIN_EMAIL"`
	AdminPassword string        `yaml:"admin_password" env:"ADMIN_PASSWORD"`
}

// MQTT configures the broker used for ingestion and agent commands.
type MQTT struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Broker      string `yaml:"broker" env:"BROKER"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	Username    string `yaml:"username" env:"USERNAME"`
	Password    string `yaml:"password" env:"PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	QoS         byte   `yaml:"qos" env:"QOS"`
}

// Import configures the drop-folder watcher.
type Import struct {
	WatchDir string `yaml:"watch_dir" env:"WATCH_DIR"`
}

// Retention prunes old telemetry. A zero Readings keeps everything.
type Retention struct {
	Readings time.Duration `yaml:"readings" env:"READINGS"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// Agent configures the in-vehicle OBD-II poller.
type Agent struct {
	Port       string        `yaml:"port" env:"PORT"`
	Baud       int           `yaml:"baud" env:"BAUD"`
	VIN        string        `yaml:"vin" env:"VIN"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	DTCEvery   int           `yaml:"dtc_every" env:"DTC_EVERY"`
	Parameters []string      `yaml:"parameters" env:"PARAMETERS"`
	StatePath  string        `yaml:"state_path" env:"STATE_PATH"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  32 << 20,
		},
		Log:     Log{Level: "info", Format: "json"},
		Storage: Storage{Driver: "sqlite", Path: "data/obddash.db", AutoMigrate: true},
		Blob:    Blob{Driver: "fs", Root: "data/blobs", Region: "us-east-1"},
		Auth: Auth{
			Issuer:        "obddash",
			TokenTTL:      12 * time.Hour,
			SessionDriver: "memory",
			RedisAddr:     "localhost:6379",
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			ClientID:    "obddash-server",
			TopicPrefix: "obddash",
			QoS:         1,
		},
		Retention: Retention{Interval: time.Hour},
		Agent: Agent{
			Port:       "/dev/ttyUSB0",
			Baud:       38400,
			Interval:   5 * time.Second,
			DTCEvery:   12,
			Parameters: []string{"rpm", "speed", "coolant_temp", "engine_load", "throttle", "control_module_voltage"},
			StatePath:  "data/agent.db",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// OBDDASH_CONFIG is consulted; a missing file named by either is an error.
// environ overrides the process environment when non-nil.
func Load(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = lookup(environ, EnvPrefix+"CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func lookup(environ map[string]string, key string) string {
	if environ != nil {
		return environ[key]
	}
	return os.Getenv(key)
}

// Validate checks the settings the server needs. Agent-only settings are
// checked by ValidateAgent.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < MinJWTSecretBytes {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretBytes))
	}
	if !slices.Contains([]string{"memory", "sqlite", "postgres", "postgresql"}, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver %q is not memory, sqlite or postgres", c.Storage.Driver))
	}
	if !slices.Contains([]string{"memory", "fs", "s3"}, c.Blob.Driver) {
		errs = append(errs, fmt.Errorf("blob.driver %q is not memory, fs or s3", c.Blob.Driver))
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		errs = append(errs, errors.New("blob.bucket is required for s3"))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Auth.SessionDriver) {
		errs = append(errs, fmt.Errorf("auth.session_driver %q is not memory or redis", c.Auth.SessionDriver))
	}
	if !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.token_ttl":          c.Auth.TokenTTL,
		"retention.interval":      c.Retention.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Retention.Readings < 0 {
		errs = append(errs, errors.New("retention.readings must not be negative"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// ValidateAgent checks the settings the OBD-II agent needs.
func (c Config) ValidateAgent() error {
	var errs []error
	if c.Agent.Port == "" {
		errs = append(errs, errors.New("agent.port is required"))
	}
	if c.Agent.Baud <= 0 {
		errs = append(errs, errors.New("agent.baud must be positive"))
	}
	if c.Agent.Interval <= 0 {
		errs = append(errs, errors.New("agent.interval must be positive"))
	}
	if len(strings.TrimSpace(c.Agent.VIN)) != 17 {
		errs = append(errs, errors.New("agent.vin must be 17 characters"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	return errors.Join(errs...)
}
