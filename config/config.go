// Package config loads server settings from defaults, an optional YAML file
// and environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"roomchat-server/domain"
)

// DefaultPath is read when no explicit path is given and the file exists.
const DefaultPath = "config.yaml"

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Seed      SeedConfig      `yaml:"seed"`
}

type ServerConfig struct {
	Port            string   `yaml:"port" env:"PORT"`
	AllowedOrigins  []string `yaml:"allowed_origins" env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"CHAT_SHUTDOWN_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" env:"CHAT_JWT_SECRET"`
	Issuer    string   `yaml:"issuer" env:"CHAT_JWT_ISSUER"`
	Audience  string   `yaml:"audience" env:"CHAT_JWT_AUDIENCE"`
	Leeway    Duration `yaml:"leeway" env:"CHAT_JWT_LEEWAY"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"CHAT_STORAGE_DRIVER"`
	// Path is the database file for sqlite and the data directory for pebble.
	Path string `yaml:"path" env:"CHAT_STORAGE_PATH"`
}

type LimitsConfig struct {
	MaxFrameBytes    SizeBytes `yaml:"max_frame_bytes" env:"CHAT_MAX_FRAME_BYTES"`
	MaxContentRunes  int       `yaml:"max_content_runes" env:"CHAT_MAX_CONTENT_RUNES"`
	FramesPerSecond  float64   `yaml:"frames_per_second" env:"CHAT_FRAMES_PER_SECOND"`
	FrameBurst       int       `yaml:"frame_burst" env:"CHAT_FRAME_BURST"`
	OperationTimeout Duration  `yaml:"operation_timeout" env:"CHAT_OPERATION_TIMEOUT"`
	SendBuffer       int       `yaml:"send_buffer" env:"CHAT_SEND_BUFFER"`
	WriteTimeout     Duration  `yaml:"write_timeout" env:"CHAT_WRITE_TIMEOUT"`
	PongTimeout      Duration  `yaml:"pong_timeout" env:"CHAT_PONG_TIMEOUT"`

	// PresenceRetention is how long an offline user's presence record is
	// kept before eviction.
	PresenceRetention Duration `yaml:"presence_retention" env:"CHAT_PRESENCE_RETENTION"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"CHAT_LOG_FORMAT"` // text | json
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"CHAT_OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"CHAT_OTEL_INSECURE"`
}

// SeedConfig lists rooms and shared objects written to the store at startup.
type SeedConfig struct {
	Rooms         []SeedRoom            `yaml:"rooms"`
	SharedObjects []domain.SharedObject `yaml:"shared_objects"`
}

type SeedRoom struct {
	ID           string   `yaml:"id"`
	Participants []string `yaml:"participants"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{Driver: DriverMemory},
		Limits: LimitsConfig{
			MaxFrameBytes:    16 * 1024,
			MaxContentRunes:  4000,
			FramesPerSecond:  20,
			FrameBurst:       40,
			OperationTimeout: Duration(5 * time.Second),
			SendBuffer:       256,
			WriteTimeout:     Duration(10 * time.Second),
			PongTimeout:      Duration(60 * time.Second),

			PresenceRetention: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			ServiceName: "roomchat-server",
		},
	}
}

// Load builds the configuration. An empty path falls back to DefaultPath
// when that file exists; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	for _, section := range []any{&cfg.Server, &cfg.Auth, &cfg.Storage, &cfg.Limits, &cfg.Logging, &cfg.Telemetry} {
		if err := env.Parse(section); err != nil {
			return Config{}, fmt.Errorf("parse environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret (CHAT_JWT_SECRET) is required"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPebble:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of memory, sqlite, pebble", c.Storage.Driver))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Limits.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("limits.max_frame_bytes must be positive"))
	}
	if c.Limits.MaxContentRunes <= 0 {
		errs = append(errs, errors.New("limits.max_content_runes must be positive"))
	}
	if c.Limits.FramesPerSecond <= 0 || c.Limits.FrameBurst <= 0 {
		errs = append(errs, errors.New("limits.frames_per_second and limits.frame_burst must be positive"))
	}
	if c.Limits.OperationTimeout <= 0 {
		errs = append(errs, errors.New("limits.operation_timeout must be positive"))
	}
	if c.Limits.SendBuffer <= 0 {
		errs = append(errs, errors.New("limits.send_buffer must be positive"))
	}
	if c.Limits.PresenceRetention <= 0 {
		errs = append(errs, errors.New("limits.presence_retention must be positive"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	for i, r := range c.Seed.Rooms {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("seed.rooms[%d].id is required", i))
		}
	}
	return errors.Join(errs...)
}

// SizeBytes is a byte count that parses "16KB", "1 MiB" or plain integers.
type SizeBytes int64

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *SizeBytes) UnmarshalText(text []byte) error {
	v, err := parseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration accepts Go duration strings ("250ms") or numeric seconds ("1.5").
type Duration time.Duration

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
