// Package config loads, normalizes, and validates wfpscan configuration.
//
// Values are layered: repository defaults, then a TOML file, then a .env file
// and the process environment (SCANOSS_SCAN_URL, SCANOSS_API_KEY) for fields
// the file left empty. Command-line flags are applied by the caller on top of
// the loaded Config before Validate runs again.
package config
