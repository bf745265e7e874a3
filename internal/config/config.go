package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"

	"github.com/jgarman/fatstage/internal/stage"
)

// Config represents the application configuration. A manifest file is a
// Config serialized as JSON or YAML.
type Config struct {
	// Image configuration
	Image ImageConfig `json:"image"`

	// Jobs to stage, in order
	Jobs []stage.Job `json:"jobs,omitempty"`

	// Failure handling for the staging run
	Run RunConfig `json:"run"`

	// HTTP staging API configuration
	Server ServerConfig `json:"server"`
}

// ImageConfig contains disk image settings
type ImageConfig struct {
	Path string `json:"path"`

	// Size and label of a freshly created image, e.g. "32MB"
	Size  datasize.ByteSize `json:"size"`
	Label string            `json:"label"`

	// Auto-create the disk image if it doesn't exist
	AutoCreate bool `json:"auto_create"`

	ReadOnly bool `json:"read_only"`

	// Writer backend: "diskfs" or "loopback"
	Backend string `json:"backend"`
}

// RunConfig contains staging run settings
type RunConfig struct {
	// Attempt every job instead of stopping at the first failure
	KeepGoing bool `json:"keep_going"`

	// Read each file back and compare digests
	Verify bool `json:"verify"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen string `json:"listen"`

	// Timeout settings in seconds
	ReadTimeout  int `json:"read_timeout"`
	WriteTimeout int `json:"write_timeout"`
	IdleTimeout  int `json:"idle_timeout"`

	// Largest accepted upload
	MaxUpload datasize.ByteSize `json:"max_upload"`

	// CORS settings
	CORS CORSConfig `json:"cors"`
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Image: ImageConfig{
			Path:       "bin/os.bin",
			Size:       32 * datasize.MB,
			Label:      "FATSTAGE",
			AutoCreate: true,
			Backend:    "diskfs",
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
			MaxUpload:    100 * datasize.MB,
			CORS: CORSConfig{
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: false,
			},
		},
	}
}

// Load loads configuration from a JSON or YAML file on top of the
// defaults. If the file doesn't exist, it returns the default configuration
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// JSON is valid YAML, so one decoder covers both.
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Save writes the configuration to a file, as YAML when the extension
// says so and as JSON otherwise
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Environment variables consulted by ApplyEnv.
const (
	EnvImage   = "FATSTAGE_IMAGE"
	EnvSize    = "FATSTAGE_SIZE"
	EnvLabel   = "FATSTAGE_LABEL"
	EnvBackend = "FATSTAGE_BACKEND"
	EnvListen  = "FATSTAGE_LISTEN"
)

// LoadEnvFile loads variables from a .env file into the process
// environment. A missing file is not an error. Variables already set
// win over the file.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from FATSTAGE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvImage); v != "" {
		c.Image.Path = v
	}
	if v := os.Getenv(EnvSize); v != "" {
		size, err := datasize.ParseString(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvSize, v, err)
		}
		c.Image.Size = size
	}
	if v := os.Getenv(EnvLabel); v != "" {
		c.Image.Label = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Image.Backend = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	return nil
}

// Validate checks values that cannot be caught by the decoder.
func (c *Config) Validate() error {
	if c.Image.Path == "" {
		return fmt.Errorf("image path is required")
	}
	if len(c.Image.Label) > 11 {
		return fmt.Errorf("volume label %q exceeds 11 characters", c.Image.Label)
	}
	if c.Image.AutoCreate && c.Image.Size < datasize.MB {
		return fmt.Errorf("image size %s is too small", c.Image.Size.HumanReadable())
	}
	return nil
}
