// Package api posts fingerprint payloads to the remote identification
// service.
//
// Each call builds a multipart form (the payload as a uniquely named .wfp
// attachment plus mode, manifest, format, flags and context fields), sends
// it with the X-Session header when an API key is configured, and retries
// transient failures on a fixed delay. Exhausting the retries yields an
// *Error that callers must treat as fatal to the whole run. A body that
// cannot be decoded is not an error: it is written to a diagnostics sink and
// the call reports no result.
package api
