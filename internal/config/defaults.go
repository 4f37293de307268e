package config

const (
	// DefaultURL is the public fingerprint identification endpoint.
	DefaultURL = "https://osskb.org/api/scan/direct"

	// MinTimeoutSeconds is the smallest accepted request timeout.
	MinTimeoutSeconds = 5

	// DefaultTimeoutSeconds replaces any timeout below MinTimeoutSeconds.
	DefaultTimeoutSeconds = 120

	defaultThreads            = 10
	defaultPostSizeKiB        = 64
	defaultFormat             = "plain"
	defaultRetryDelaySeconds  = 5
	defaultMaxRetries         = 5
	defaultJoinTimeoutSeconds = 5
	defaultDiagnosticsDir     = "."
	defaultLogLevel           = "info"
	defaultLogFormat          = "console"

	envScanURL = "SCANOSS_SCAN_URL"
	envAPIKey  = "SCANOSS_API_KEY"
)

// Default returns a Config populated with repository defaults. The API URL
// and key are left empty so environment fallbacks can apply during Load.
func Default() Config {
	return Config{
		API: API{
			TimeoutSeconds:    DefaultTimeoutSeconds,
			RetryDelaySeconds: defaultRetryDelaySeconds,
			MaxRetries:        defaultMaxRetries,
		},
		Scan: Scan{
			Threads:            defaultThreads,
			PostSizeKiB:        defaultPostSizeKiB,
			Format:             defaultFormat,
			JoinTimeoutSeconds: defaultJoinTimeoutSeconds,
		},
		Diagnostics: Diagnostics{
			Dir: defaultDiagnosticsDir,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
