package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment variable, e.g. ARENA_HTTP_PORT.
const EnvPrefix = "ARENA"

const defaultSecret = "arena-development-secret"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the process-wide configuration.
type Config struct {
	Environment string           `json:"environment" envconfig:"ENVIRONMENT" validate:"required,oneof=development test production"`
	HTTP        *HTTPConfig      `json:"http" envconfig:"HTTP" validate:"required"`
	WebSocket   *WebSocketConfig `json:"websocket" envconfig:"WEBSOCKET" validate:"required"`
	Database    *DatabaseConfig  `json:"database" envconfig:"DATABASE" validate:"required"`
	Arena       *ArenaConfig     `json:"arena" envconfig:"ARENA" validate:"required"`
	Auth        *AuthConfig      `json:"auth" envconfig:"AUTH" validate:"required"`
	Log         *LogConfig       `json:"log" envconfig:"LOG" validate:"required"`
}

type HTTPConfig struct {
	Host           string        `envconfig:"HOST" validate:"required"`
	Port           int           `envconfig:"PORT" validate:"min=0,max=65535"` // 0 binds a free port
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"` // empty allows any origin
	RateLimit      int           `envconfig:"RATE_LIMIT" validate:"gte=0"`
	RateWindow     time.Duration `envconfig:"RATE_WINDOW" validate:"gt=0"`
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" validate:"gt=0"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" validate:"gt=0"`
	MaxMessageSize int64         `envconfig:"MAX_MESSAGE_SIZE" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path           string        `envconfig:"PATH" validate:"required"`
	Timeout        time.Duration `envconfig:"TIMEOUT" validate:"gt=0"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" validate:"gt=0"`
	SeedPath       string        `envconfig:"SEED_PATH"`
}

// ArenaConfig holds room and game limits.
type ArenaConfig struct {
	MaxRooms         int           `envconfig:"MAX_ROOMS" validate:"gt=0"`
	CodeAttempts     int           `envconfig:"CODE_ATTEMPTS" validate:"gt=0"`
	MinParticipants  int           `envconfig:"MIN_PARTICIPANTS" validate:"gt=0"`
	MaxParticipants  int           `envconfig:"MAX_PARTICIPANTS" validate:"gtefield=MinParticipants"`
	DefaultTimeLimit time.Duration `envconfig:"DEFAULT_TIME_LIMIT" validate:"gtefield=MinTimeLimit,ltefield=MaxTimeLimit"`
	MinTimeLimit     time.Duration `envconfig:"MIN_TIME_LIMIT" validate:"gt=0"`
	MaxTimeLimit     time.Duration `envconfig:"MAX_TIME_LIMIT" validate:"gtefield=MinTimeLimit"`
	ReconnectGrace   time.Duration `envconfig:"RECONNECT_GRACE" validate:"gt=0"`
	EmptyRoomGrace   time.Duration `envconfig:"EMPTY_ROOM_GRACE" validate:"gt=0"`
	InterRoundPause  time.Duration `envconfig:"INTER_ROUND_PAUSE" validate:"gte=0"`
	ResultsRetention time.Duration `envconfig:"RESULTS_RETENTION" validate:"gt=0"`
	BasePoints       int           `envconfig:"BASE_POINTS" validate:"gt=0"`
	FloorPoints      int           `envconfig:"FLOOR_POINTS" validate:"gt=0,ltefield=BasePoints"`
	RateLimit        int           `envconfig:"RATE_LIMIT" validate:"gte=0"`
	RateWindow       time.Duration `envconfig:"RATE_WINDOW" validate:"gt=0"`
}

type AuthConfig struct {
	Secret   string        `envconfig:"SECRET" validate:"required"`
	Issuer   string        `envconfig:"ISSUER" validate:"required"`
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" validate:"required,oneof=trace debug info warn warning error fatal panic"`
	Format string `envconfig:"FORMAT" validate:"required,oneof=text json"`
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    100,
			RateWindow:   15 * time.Minute,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			MaxMessageSize: 17 * 1024,
		},
		Database: &DatabaseConfig{
			Path:           "./data/arena.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Arena: &ArenaConfig{
			MaxRooms:         1000,
			CodeAttempts:     5,
			MinParticipants:  2,
			MaxParticipants:  50,
			DefaultTimeLimit: 20 * time.Second,
			MinTimeLimit:     3 * time.Second,
			MaxTimeLimit:     120 * time.Second,
			ReconnectGrace:   30 * time.Second,
			EmptyRoomGrace:   2 * time.Minute,
			InterRoundPause:  3 * time.Second,
			ResultsRetention: 5 * time.Minute,
			BasePoints:       1000,
			FloorPoints:      100,
			RateLimit:        10,
			RateWindow:       time.Second,
		},
		Auth: &AuthConfig{
			Secret:   defaultSecret,
			Issuer:   "arena",
			TokenTTL: 24 * time.Hour,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks field constraints. Production refuses the built-in
// development secret.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q constraint", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Environment == "production" && c.Auth.Secret == defaultSecret {
		return errors.New("auth secret must be set in production")
	}
	return nil
}

// LoadFromEnv applies ARENA_* environment variables over the defaults.
// The given .env files (or ./.env when none are given) are loaded first
// when present; they never override variables already set.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, envFiles...); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config, envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// ConfigFile is the JSON shape of a config file. Durations are strings such
// as "30s"; absent fields keep their current value.
type ConfigFile struct {
	Environment string               `json:"environment"`
	HTTP        *HTTPConfigFile      `json:"http"`
	WebSocket   *WebSocketConfigFile `json:"websocket"`
	Database    *DatabaseConfigFile  `json:"database"`
	Arena       *ArenaConfigFile     `json:"arena"`
	Auth        *AuthConfigFile      `json:"auth"`
	Log         *LogConfigFile       `json:"log"`
}

type HTTPConfigFile struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimit      *int     `json:"rate_limit"`
	RateWindow     string   `json:"rate_window"`
}

type WebSocketConfigFile struct {
	PingInterval   string `json:"ping_interval"`
	ReadTimeout    string `json:"read_timeout"`
	MaxMessageSize int64  `json:"max_message_size"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path"`
	Timeout        string `json:"timeout"`
	MaxConnections int    `json:"max_connections"`
	SeedPath       string `json:"seed_path"`
}

type ArenaConfigFile struct {
	MaxRooms         int    `json:"max_rooms"`
	CodeAttempts     int    `json:"code_attempts"`
	MinParticipants  int    `json:"min_participants"`
	MaxParticipants  int    `json:"max_participants"`
	DefaultTimeLimit string `json:"default_time_limit"`
	MinTimeLimit     string `json:"min_time_limit"`
	MaxTimeLimit     string `json:"max_time_limit"`
	ReconnectGrace   string `json:"reconnect_grace"`
	EmptyRoomGrace   string `json:"empty_room_grace"`
	InterRoundPause  string `json:"inter_round_pause"`
	ResultsRetention string `json:"results_retention"`
	BasePoints       int    `json:"base_points"`
	FloorPoints      *int   `json:"floor_points"`
	RateLimit        *int   `json:"rate_limit"`
	RateWindow       string `json:"rate_window"`
}

type AuthConfigFile struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	TokenTTL string `json:"token_ttl"`
}

type LogConfigFile struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadFromFile reads a JSON config file over the defaults and validates
// the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// Load builds the configuration with precedence file > environment >
// defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	d := durations{}
	if file.Environment != "" {
		config.Environment = file.Environment
	}
	if f := file.HTTP; f != nil {
		setString(&config.HTTP.Host, f.Host)
		setInt(&config.HTTP.Port, f.Port)
		d.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
		if f.AllowedOrigins != nil {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
		if f.RateLimit != nil {
			config.HTTP.RateLimit = *f.RateLimit
		}
		d.set(&config.HTTP.RateWindow, "http.rate_window", f.RateWindow)
	}
	if f := file.WebSocket; f != nil {
		d.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		if f.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
	}
	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		d.set(&config.Database.Timeout, "database.timeout", f.Timeout)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		setString(&config.Database.SeedPath, f.SeedPath)
	}
	if f := file.Arena; f != nil {
		a := config.Arena
		setInt(&a.MaxRooms, f.MaxRooms)
		setInt(&a.CodeAttempts, f.CodeAttempts)
		setInt(&a.MinParticipants, f.MinParticipants)
		setInt(&a.MaxParticipants, f.MaxParticipants)
		d.set(&a.DefaultTimeLimit, "arena.default_time_limit", f.DefaultTimeLimit)
		d.set(&a.MinTimeLimit, "arena.min_time_limit", f.MinTimeLimit)
		d.set(&a.MaxTimeLimit, "arena.max_time_limit", f.MaxTimeLimit)
		d.set(&a.ReconnectGrace, "arena.reconnect_grace", f.ReconnectGrace)
		d.set(&a.EmptyRoomGrace, "arena.empty_room_grace", f.EmptyRoomGrace)
		d.set(&a.InterRoundPause, "arena.inter_round_pause", f.InterRoundPause)
		d.set(&a.ResultsRetention, "arena.results_retention", f.ResultsRetention)
		setInt(&a.BasePoints, f.BasePoints)
		if f.FloorPoints != nil {
			a.FloorPoints = *f.FloorPoints
		}
		if f.RateLimit != nil {
			a.RateLimit = *f.RateLimit
		}
		d.set(&a.RateWindow, "arena.rate_window", f.RateWindow)
	}
	if f := file.Auth; f != nil {
		setString(&config.Auth.Secret, f.Secret)
		setString(&config.Auth.Issuer, f.Issuer)
		d.set(&config.Auth.TokenTTL, "auth.token_ttl", f.TokenTTL)
	}
	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		setString(&config.Log.Format, f.Format)
	}

	if d.err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, d.err)
	}
	return nil
}

// durations parses duration strings, keeping the first error.
type durations struct {
	err error
}

func (d *durations) set(dst *time.Duration, field, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

// NewLogger builds a logrus logger from the log settings.
func (l *LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stdout)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
