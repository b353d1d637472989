package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no config
// path is given on the command line.
const EnvConfigPath = "DATAGATE_CONFIG"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Assembly    AssemblyConfig    `yaml:"assembly"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Registry    RegistryConfig    `yaml:"registry"`
	Model       ModelConfig       `yaml:"model"`
	GC          GCConfig          `yaml:"gc"`
	Archive     ArchiveConfig     `yaml:"archive"`
	P2P         P2PConfig         `yaml:"p2p"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddress string   `yaml:"listen_address"`
	Port          int      `yaml:"port"`
	MaxChunkBytes int64    `yaml:"max_chunk_bytes"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

// StorageConfig locates on-disk state. Empty sub-paths resolve under Path.
type StorageConfig struct {
	Path       string `yaml:"path"`
	ChunkDir   string `yaml:"chunk_dir"`
	DatasetDir string `yaml:"dataset_dir"`
	ModelPath  string `yaml:"model_path"`
}

type AssemblyConfig struct {
	// Atomic checks every chunk before writing and commits with a rename
	Atomic bool `yaml:"atomic"`
}

type CredentialsConfig struct {
	// Secret switches credentials from SHA-256 to a keyed HMAC
	Secret string `yaml:"secret"`
}

type RegistryConfig struct {
	Backend string `yaml:"backend"` // file or bolt
	Path    string `yaml:"path"`
}

type ModelConfig struct {
	Seed         uint64        `yaml:"seed"`
	TestRatio    float64       `yaml:"test_ratio"`
	Lambda       float64       `yaml:"lambda"`
	LearningRate float64       `yaml:"learning_rate"`
	Epochs       int           `yaml:"epochs"`
	Compression  string        `yaml:"compression"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type GCConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type P2PConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddress  string   `yaml:"listen_address"`
	Port           int      `yaml:"port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	MDNS           bool     `yaml:"mdns"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress: "0.0.0.0",
			Port:          8080,
			MaxChunkBytes: 32 * 1024 * 1024, // 32MB
			CORSOrigins:   []string{"*"},
		},
		Storage: StorageConfig{
			Path: "./storage",
		},
		Registry: RegistryConfig{
			Backend: "file",
		},
		Model: ModelConfig{
			Seed:         42,
			TestRatio:    0.2,
			Lambda:       1e-3,
			LearningRate: 0.1,
			Epochs:       100,
			Compression:  "zstd",
			CacheTTL:     time.Minute,
		},
		GC: GCConfig{
			Enabled:  true,
			Schedule: "*/30 * * * *",
			MaxAge:   24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Region: "cn",
		},
		P2P: P2PConfig{
			ListenAddress: "0.0.0.0",
			Port:          4001,
			MDNS:          true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	cfg.resolvePaths()
	return cfg
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := DefaultConfig()
	// sub-paths derived from the default base must follow a new base
	cfg.Storage = StorageConfig{}
	cfg.Registry.Path = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultConfig().Storage.Path
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by DATAGATE_CONFIG, or returns the
// defaults when it is unset.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

func (c *Config) resolvePaths() {
	if c.Storage.ChunkDir == "" {
		c.Storage.ChunkDir = filepath.Join(c.Storage.Path, "chunks")
	}
	if c.Storage.DatasetDir == "" {
		c.Storage.DatasetDir = filepath.Join(c.Storage.Path, "datasets")
	}
	if c.Storage.ModelPath == "" {
		c.Storage.ModelPath = filepath.Join(c.Storage.Path, "model.dgm")
	}
	if c.Registry.Path == "" {
		name := "registry.json"
		if c.Registry.Backend == "bolt" {
			name = "registry.db"
		}
		c.Registry.Path = filepath.Join(c.Storage.Path, name)
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxChunkBytes <= 0 {
		return fmt.Errorf("server.max_chunk_bytes must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Registry.Backend {
	case "file", "bolt":
	default:
		return fmt.Errorf("registry.backend must be file or bolt")
	}
	if c.Model.TestRatio <= 0 || c.Model.TestRatio >= 1 {
		return fmt.Errorf("model.test_ratio must be in (0, 1)")
	}
	if c.Model.Epochs <= 0 {
		return fmt.Errorf("model.epochs must be positive")
	}
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be positive")
	}
	if c.Model.Lambda < 0 {
		return fmt.Errorf("model.lambda must not be negative")
	}
	switch c.Model.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("model.compression must be none, lz4 or zstd")
	}
	if c.GC.Enabled {
		if c.GC.Schedule == "" {
			return fmt.Errorf("gc.schedule is required when gc is enabled")
		}
		if c.GC.MaxAge <= 0 {
			return fmt.Errorf("gc.max_age must be positive")
		}
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" || c.Archive.SecretID == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive endpoint/bucket/secret_id/secret_key are required when archive is enabled")
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "cn"
		}
	}
	if c.P2P.Enabled && (c.P2P.Port <= 0 || c.P2P.Port > 65535) {
		return fmt.Errorf("p2p.port must be between 1 and 65535")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

// Logger builds a zap logger for the configured level and mode
func (l LoggingConfig) Logger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if l.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
