// Package config loads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"practice-bridge/internal/streams"
)

// EnvPrefix is stripped from variable names; the first underscore after it
// separates the section, so BRIDGE_REDIS_ADDR sets redis.addr.
const EnvPrefix = "BRIDGE_"

// Config is the union of every binary's settings.
type Config struct {
	Redis  RedisConfig  `koanf:"redis"`
	API    APIConfig    `koanf:"api"`
	Worker WorkerConfig `koanf:"worker"`
	Logger LoggerConfig `koanf:"logger"`
	Log    LogConfig    `koanf:"log"`
}

type RedisConfig struct {
	Addr          string        `koanf:"addr" validate:"required_without=Addrs"`
	Addrs         []string      `koanf:"addrs"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	MasterName    string        `koanf:"master_name"`
	DB            int           `koanf:"db" validate:"gte=0"`
	PoolSize      int           `koanf:"pool_size" validate:"gte=0"`
	DialTimeout   time.Duration `koanf:"dial_timeout" validate:"gte=0"`
	TLSCAFile     string        `koanf:"tls_ca_file"`
	TLSCertFile   string        `koanf:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile    string        `koanf:"tls_key_file" validate:"required_with=TLSCertFile"`
	TLSServerName string        `koanf:"tls_server_name"`
	TLSInsecure   bool          `koanf:"tls_insecure_skip_verify"`
}

type APIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	APIKey  string        `koanf:"api_key" validate:"required"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type WorkerConfig struct {
	RequestStream  string        `koanf:"request_stream" validate:"required"`
	ResponseStream string        `koanf:"response_stream" validate:"required"`
	StatusStream   string        `koanf:"status_stream" validate:"required"`
	HealthAddr     string        `koanf:"health_addr" validate:"required"`
	MaxInFlight    int64         `koanf:"max_in_flight" validate:"gte=1"`
	BlockTimeout   time.Duration `koanf:"block_timeout" validate:"gt=0"`
	BatchSize      int64         `koanf:"batch_size" validate:"gte=1"`
	Group          string        `koanf:"group"`
	Consumer       string        `koanf:"consumer"`
	ResponseMaxLen int64         `koanf:"response_max_len" validate:"gte=0"`
	// ClaimIdle is how long a group entry may stay unacknowledged before
	// another consumer takes it over. Zero disables claiming.
	ClaimIdle time.Duration `koanf:"claim_idle" validate:"gte=0"`
}

type LoggerConfig struct {
	Streams         []string      `koanf:"streams" validate:"min=1,dive,required"`
	RequestStream   string        `koanf:"request_stream"`
	ResponseStream  string        `koanf:"response_stream"`
	StatusStream    string        `koanf:"status_stream"`
	ActivityStreams []string      `koanf:"activity_streams"`
	DatabaseDriver  string        `koanf:"database_driver" validate:"oneof=postgres sqlite"`
	DatabaseURL     string        `koanf:"database_url" validate:"required_if=DatabaseDriver postgres"`
	HealthAddr      string        `koanf:"health_addr" validate:"required"`
	BlockTimeout    time.Duration `koanf:"block_timeout" validate:"gt=0"`
	BatchSize       int64         `koanf:"batch_size" validate:"gte=1"`
	StartFrom       string        `koanf:"start_from"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			DialTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			RequestStream:  "requests",
			ResponseStream: "responses",
			StatusStream:   "status",
			HealthAddr:     ":8081",
			MaxInFlight:    64,
			BlockTimeout:   5 * time.Second,
			BatchSize:      10,
			ResponseMaxLen: 10000,
			ClaimIdle:      2 * time.Minute,
		},
		Logger: LoggerConfig{
			Streams:         []string{"requests", "responses", "status", "agent_updates"},
			RequestStream:   "requests",
			ResponseStream:  "responses",
			StatusStream:    "status",
			ActivityStreams: []string{"agent_updates"},
			DatabaseDriver:  "sqlite",
			DatabaseURL:     "data/stream-logger.db",
			HealthAddr:      ":8082",
			BlockTimeout:    5 * time.Second,
			BatchSize:       100,
			StartFrom:       "$",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Options controls Load.
type Options struct {
	// EnvFile is loaded first when set; a missing file is an error only when
	// Required is true.
	EnvFile  string
	Required bool
}

// Load reads the environment over Default. Validation is left to the
// binary-specific Validate methods.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if opts.Required || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
			}
		}
	}

	k := koanf.New(".")
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	cfg := Default()
	defaults := cfg.Logger
	// Decoding into a populated slice overlays element-wise; list
	// defaults are applied after decoding instead.
	cfg.Logger.Streams = nil
	cfg.Logger.ActivityStreams = nil
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.Redis.Addrs = compact(cfg.Redis.Addrs)
	cfg.Logger.Streams = compact(cfg.Logger.Streams)
	if len(cfg.Logger.Streams) == 0 {
		cfg.Logger.Streams = defaults.Streams
	}
	cfg.Logger.ActivityStreams = compact(cfg.Logger.ActivityStreams)
	if len(cfg.Logger.ActivityStreams) == 0 {
		cfg.Logger.ActivityStreams = intersect(defaults.ActivityStreams, cfg.Logger.Streams)
	}
	if cfg.Redis.Addr == "" && len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addr = legacyRedisAddr()
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	return cfg, nil
}

// listKeys are comma separated in the environment.
var listKeys = map[string]struct{}{
	"redis.addrs":             {},
	"logger.streams":          {},
	"logger.activity_streams": {},
}

func envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if _, ok := listKeys[key]; ok {
		return key, strings.Split(value, ",")
	}
	return key, value
}

func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// legacyRedisAddr honours the REDIS_HOST/REDIS_PORT pair used by the agent
// tooling that shares the stream store.
func legacyRedisAddr() string {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return ""
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}

func compact(values []string) []string {
	out := values[:0:0]
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func intersect(values, allowed []string) []string {
	var out []string
	for _, value := range values {
		for _, candidate := range allowed {
			if value == candidate {
				out = append(out, value)
				break
			}
		}
	}
	return out
}

var validate = validator.New()

// ValidateWorker checks the sections the request worker reads.
func (c Config) ValidateWorker() error {
	if err := validateSections(c.Redis, c.API, c.Worker, c.Log); err != nil {
		return err
	}
	if c.Worker.Group != "" && c.Worker.ClaimIdle > 0 && c.Worker.ClaimIdle <= c.API.Timeout {
		return fmt.Errorf("worker.claim_idle (%s) must exceed api.timeout (%s)", c.Worker.ClaimIdle, c.API.Timeout)
	}
	return nil
}

// ValidateLogger checks the sections the stream logger reads.
func (c Config) ValidateLogger() error {
	if err := validateSections(c.Redis, c.Logger, c.Log); err != nil {
		return err
	}
	streams := make(map[string]struct{}, len(c.Logger.Streams))
	for _, name := range c.Logger.Streams {
		streams[name] = struct{}{}
	}
	for _, name := range c.Logger.ActivityStreams {
		if _, ok := streams[name]; !ok {
			return fmt.Errorf("logger.activity_streams: %q is not in logger.streams", name)
		}
	}
	return nil
}

// ValidateReport checks what an offline report needs: only the database.
func (c Config) ValidateReport() error {
	return validate.StructPartial(c.Logger, "DatabaseDriver", "DatabaseURL")
}

func validateSections(sections ...interface{}) error {
	for _, section := range sections {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// StreamClient converts the redis section into stream client settings.
func (r RedisConfig) StreamClient(logger *slog.Logger) streams.Config {
	return streams.Config{
		Addr:        r.Addr,
		Addrs:       r.Addrs,
		Username:    r.Username,
		Password:    r.Password,
		MasterName:  r.MasterName,
		DB:          r.DB,
		Logger:      logger,
		DialTimeout: r.DialTimeout,
		PoolSize:    r.PoolSize,
		TLS: streams.TLSConfig{
			CAFile:             r.TLSCAFile,
			CertFile:           r.TLSCertFile,
			KeyFile:            r.TLSKeyFile,
			ServerName:         r.TLSServerName,
			InsecureSkipVerify: r.TLSInsecure,
		},
	}
}
