package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// API contains settings for the remote scan service.
type API struct {
	URL               string  `toml:"url" validate:"required,url"`
	APIKey            string  `toml:"api_key"`
	TimeoutSeconds    int     `toml:"timeout_seconds" validate:"min=5"`
	RetryDelaySeconds int     `toml:"retry_delay_seconds" validate:"min=0,max=300"`
	MaxRetries        int     `toml:"max_retries" validate:"min=0,max=50"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"min=0"`
	Context           string  `toml:"context"`
}

// Scan contains dispatch and request-shaping settings.
type Scan struct {
	Threads            int    `toml:"threads" validate:"min=1"`
	PostSizeKiB        int    `toml:"post_size_kib" validate:"min=1"`
	SkipSnippets       bool   `toml:"skip_snippets"`
	Format             string `toml:"format" validate:"required,printascii"`
	Flags              int    `toml:"flags" validate:"min=0"`
	SBOMPath           string `toml:"sbom_path"`
	ScanType           string `toml:"scan_type" validate:"omitempty,oneof=identify blacklist"`
	JoinTimeoutSeconds int    `toml:"join_timeout_seconds" validate:"min=1"`
}

// Diagnostics controls where malformed responses are kept for inspection.
// When Bucket is set the artifacts are uploaded to object storage as well.
type Diagnostics struct {
	Dir       string `toml:"dir"`
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint" validate:"required_with=Bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn warning error off disabled"`
	Format string `toml:"format" validate:"oneof=console json"`
}

// Config encapsulates every setting the scan command needs.
type Config struct {
	API         API         `toml:"api"`
	Scan        Scan        `toml:"scan"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the per-user config file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/wfpscan/config.toml")
}

// Load locates, parses, and normalizes a configuration file. A missing file
// is not an error; defaults and environment values are used instead. The
// returned path is the file that was (or would have been) read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	// A missing .env is the common case.
	_ = godotenv.Load()

	if err := cfg.Normalize(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return "", false, fmt.Errorf("config file %q: %w", expanded, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %q is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("wfpscan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// RequestTimeout returns the per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed pause between request attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelaySeconds) * time.Second
}

// JoinTimeout returns how long shutdown waits for each worker.
func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.Scan.JoinTimeoutSeconds) * time.Second
}

// LoadManifest reads an SBOM manifest and checks it is well-formed JSON.
func LoadManifest(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("no manifest file provided")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("manifest %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("manifest %q is not a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("manifest %q is not valid JSON", path)
	}
	return string(data), nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
