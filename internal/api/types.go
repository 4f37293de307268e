package api

import (
	"strings"

	"wfpscan/pkg/wfp"
)

// Scan modes understood by the service when a manifest is attached.
const (
	ModeIdentify  = "identify"
	ModeBlacklist = "blacklist"
)

// Request is one payload plus the context shared by every request of a run.
type Request struct {
	Payload  wfp.Payload
	Mode     string
	Manifest string
	Format   string
	Flags    int
	Context  string
	// Worker names the caller in diagnostics; optional.
	Worker string
}

// RawFormat reports whether the response body is returned verbatim rather
// than decoded as JSON.
func RawFormat(format string) bool {
	return strings.Contains(strings.ToLower(format), "xml")
}

type Match map[string]any

// ID returns the record's match type, "none" when nothing matched.
func (m Match) ID() string {
	id, _ := m["id"].(string)
	return id
}

func (m Match) Component() string {
	vendor, _ := m["vendor"].(string)
	component, _ := m["component"].(string)
	version, _ := m["version"].(string)
	return vendor + ":" + component + ":" + version
}

// Response is the decoded result of one request. Exactly one of Results or
// Raw is populated. Responses are never modified after they are returned.
type Response struct {
	Results map[string][]Match
	Raw     string
	Files   int
}
