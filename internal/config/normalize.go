package config

import (
	"fmt"
	"os"
	"strings"
)

// Normalize fills environment fallbacks, trims strings, and replaces
// out-of-range values with their defaults. It is safe to call repeatedly.
func (c *Config) Normalize() error {
	c.normalizeAPI()
	c.normalizeScan()
	c.normalizeLogging()
	return c.normalizeDiagnostics()
}

func (c *Config) normalizeAPI() {
	c.API.URL = strings.TrimSpace(c.API.URL)
	if c.API.URL == "" {
		if value, ok := os.LookupEnv(envScanURL); ok && strings.TrimSpace(value) != "" {
			c.API.URL = strings.TrimSpace(value)
		} else {
			c.API.URL = DefaultURL
		}
	}
	c.API.APIKey = strings.TrimSpace(c.API.APIKey)
	if c.API.APIKey == "" {
		if value, ok := os.LookupEnv(envAPIKey); ok {
			c.API.APIKey = strings.TrimSpace(value)
		}
	}
	c.API.TimeoutSeconds = NormalizeTimeout(c.API.TimeoutSeconds)
	if c.API.RetryDelaySeconds < 0 {
		c.API.RetryDelaySeconds = defaultRetryDelaySeconds
	}
	if c.API.MaxRetries < 0 {
		c.API.MaxRetries = defaultMaxRetries
	}
	c.API.Context = strings.TrimSpace(c.API.Context)
}

func (c *Config) normalizeScan() {
	if c.Scan.Threads <= 0 {
		c.Scan.Threads = 1
	}
	if c.Scan.PostSizeKiB <= 0 {
		c.Scan.PostSizeKiB = defaultPostSizeKiB
	}
	c.Scan.Format = strings.ToLower(strings.TrimSpace(c.Scan.Format))
	if c.Scan.Format == "" {
		c.Scan.Format = defaultFormat
	}
	if c.Scan.Flags < 0 {
		c.Scan.Flags = 0
	}
	c.Scan.SBOMPath = strings.TrimSpace(c.Scan.SBOMPath)
	c.Scan.ScanType = strings.ToLower(strings.TrimSpace(c.Scan.ScanType))
	if c.Scan.SBOMPath != "" && c.Scan.ScanType == "" {
		c.Scan.ScanType = "identify"
	}
	if c.Scan.JoinTimeoutSeconds <= 0 {
		c.Scan.JoinTimeoutSeconds = defaultJoinTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

func (c *Config) normalizeDiagnostics() error {
	if strings.TrimSpace(c.Diagnostics.Dir) == "" {
		c.Diagnostics.Dir = defaultDiagnosticsDir
	}
	dir, err := expandPath(c.Diagnostics.Dir)
	if err != nil {
		return fmt.Errorf("diagnostics.dir: %w", err)
	}
	c.Diagnostics.Dir = dir
	c.Diagnostics.Bucket = strings.TrimSpace(c.Diagnostics.Bucket)
	c.Diagnostics.Endpoint = strings.TrimSpace(c.Diagnostics.Endpoint)
	return nil
}

// NormalizeTimeout replaces timeouts below MinTimeoutSeconds with the default.
func NormalizeTimeout(seconds int) int {
	if seconds < MinTimeoutSeconds {
		return DefaultTimeoutSeconds
	}
	return seconds
}
