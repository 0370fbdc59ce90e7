package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the service. Values come from an optional YAML
// file and are overridden by environment variables.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxPixels      int64 `yaml:"max_pixels"`

	Detector DetectorConfig `yaml:"detector"`
	Pool     PoolConfig     `yaml:"pool"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`

	// DebugDir enables the file debug sink when non-empty.
	DebugDir string `yaml:"debug_dir"`
}

// DetectorConfig selects and tunes the face detection backend.
type DetectorConfig struct {
	Backend          string        `yaml:"backend"`
	CascadeFile      string        `yaml:"cascade_file"`
	MinSize          int           `yaml:"min_size"`
	MaxSize          int           `yaml:"max_size"`
	ShiftFactor      float64       `yaml:"shift_factor"`
	ScaleFactor      float64       `yaml:"scale_factor"`
	IoUThreshold     float64       `yaml:"iou_threshold"`
	QualityThreshold float32       `yaml:"quality_threshold"`
	Angle            float64       `yaml:"angle"`
	GRPCAddr         string        `yaml:"grpc_addr"`
	GRPCTimeout      time.Duration `yaml:"grpc_timeout"`
	// GRPCListenAddr is where cmd/detector-server serves the local detector.
	GRPCListenAddr   string        `yaml:"grpc_listen_addr"`
}

// PoolConfig bounds the CPU-bound processing work.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// RedisConfig configures the optional detection cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DatabaseConfig configures the optional audit log. An empty Driver disables it.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

const (
	BackendPigo = "pigo"
	BackendGRPC = "grpc"
)

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000"},
		MaxUploadBytes:  10 << 20,
		MaxPixels:       40_000_000,
		Detector: DetectorConfig{
			Backend:          BackendPigo,
			CascadeFile:      "./cascade/facefinder",
			MinSize:          20,
			MaxSize:          1000,
			ShiftFactor:      0.1,
			ScaleFactor:      1.1,
			IoUThreshold:     0.2,
			QualityThreshold: 5.0,
			GRPCTimeout:      5 * time.Second,
			GRPCListenAddr:   ":50051",
		},
		Pool: PoolConfig{
			Size:           4,
			AcquireTimeout: 5 * time.Second,
			ProcessTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 10 * time.Minute,
		},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DebugDir = getEnv("DEBUG_DIR", c.DebugDir)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	c.Detector.Backend = getEnv("DETECTOR_BACKEND", c.Detector.Backend)
	c.Detector.CascadeFile = getEnv("CASCADE_FILE", c.Detector.CascadeFile)
	c.Detector.GRPCAddr = getEnv("DETECTOR_GRPC_ADDR", c.Detector.GRPCAddr)
	c.Detector.GRPCListenAddr = getEnv("DETECTOR_GRPC_LISTEN", c.Detector.GRPCListenAddr)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)

	var err error
	if c.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes); err != nil {
		return err
	}
	if c.MaxPixels, err = getInt64("MAX_PIXELS", c.MaxPixels); err != nil {
		return err
	}
	if c.Detector.GRPCTimeout, err = getDuration("DETECTOR_GRPC_TIMEOUT", c.Detector.GRPCTimeout); err != nil {
		return err
	}
	if c.Pool.Size, err = getInt("POOL_SIZE", c.Pool.Size); err != nil {
		return err
	}
	if c.Pool.AcquireTimeout, err = getDuration("POOL_ACQUIRE_TIMEOUT", c.Pool.AcquireTimeout); err != nil {
		return err
	}
	if c.Pool.ProcessTimeout, err = getDuration("PROCESS_TIMEOUT", c.Pool.ProcessTimeout); err != nil {
		return err
	}
	if c.Redis.DB, err = getInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Redis.TTL, err = getDuration("REDIS_TTL", c.Redis.TTL); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	if c.MaxPixels <= 0 {
		return errors.New("max pixels must be positive")
	}
	if c.Pool.Size <= 0 {
		return errors.New("pool size must be positive")
	}
	switch c.Detector.Backend {
	case BackendPigo:
		if c.Detector.CascadeFile == "" {
			return errors.New("pigo backend requires a cascade file")
		}
	case BackendGRPC:
		if c.Detector.GRPCAddr == "" {
			return errors.New("grpc backend requires DETECTOR_GRPC_ADDR")
		}
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return errors.New("database driver set without DATABASE_DSN")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
