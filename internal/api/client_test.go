package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wfpscan/internal/diagnostics"
	"wfpscan/pkg/wfp"
)

const samplePayload = "file=0123456789abcdef0123456789abcdef,120,src/main.c\n4=4a5b6c7d\n"

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithRetryPolicy(time.Millisecond, DefaultMaxRetries),
		WithDiagnostics(diagnostics.FileSink{Dir: t.TempDir()}),
	}
	return NewClient(Config{URL: url, Timeout: 10 * time.Second}, append(base, opts...)...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestScanSendsMultipartForm(t *testing.T) {
	attachment := regexp.MustCompile(`^[0-9a-f]{32}\.wfp$`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("X-Session"); got != "secret" {
			t.Errorf("expected X-Session header, got %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		assert.Equal(t, "blacklist", r.FormValue("type"))
		assert.Equal(t, `{"components":[]}`, r.FormValue("assets"))
		assert.Equal(t, "plain", r.FormValue("format"))
		assert.Equal(t, "512", r.FormValue("flags"))
		assert.Equal(t, "openssl", r.FormValue("context"))

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		assert.Regexp(t, attachment, header.Filename)
		data, _ := io.ReadAll(file)
		assert.Equal(t, samplePayload, string(data))

		_, _ = w.Write([]byte(`{"src/main.c":[{"id":"file","vendor":"openssl","component":"openssl","version":"3.0"}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL, APIKey: "secret", Timeout: 30 * time.Second})
	resp, err := client.Scan(context.Background(), Request{
		Payload:  wfp.NewPayload(samplePayload),
		Mode:     ModeBlacklist,
		Manifest: `{"components":[]}`,
		Format:   "plain",
		Flags:    512,
		Context:  "openssl",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.Files)
	require.Len(t, resp.Results["src/main.c"], 1)
	match := resp.Results["src/main.c"][0]
	assert.Equal(t, "file", match.ID())
	assert.Equal(t, "openssl:openssl:3.0", match.Component())
}

func TestScanOmitsOptionalFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Session"))
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		_, hasType := r.MultipartForm.Value["type"]
		_, hasFlags := r.MultipartForm.Value["flags"]
		_, hasContext := r.MultipartForm.Value["context"]
		assert.False(t, hasType)
		assert.False(t, hasFlags)
		assert.False(t, hasContext)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Results)
}

func TestScanRetriesConnectionErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) <= 4 {
			return nil, errors.New("connection refused")
		}
		return jsonResponse(`{"a.c":[{"id":"none"}]}`), nil
	})

	client := newTestClient(t, "http://scan.invalid/api", WithHTTPClient(&http.Client{Transport: transport}))
	resp, err := client.Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "none", resp.Results["a.c"][0].ID())
}

func TestScanFailsAfterSixAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(6), calls.Load())

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 6, apiErr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "overloaded")
}

func TestScanRetriesEmptyBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(`{"b.c":[]}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScanZeroRetriesMakesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithRetryPolicy(time.Millisecond, 0))
	_, err := client.Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScanMalformedJSONWritesDiagnostic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"src/main.c": [`))
	}))
	defer server.Close()

	dir := t.TempDir()
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	client := newTestClient(t, server.URL, WithDiagnostics(diagnostics.FileSink{Dir: dir}), WithClock(clock))

	resp, err := client.Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload), Worker: "7"})
	require.NoError(t, err)
	assert.Nil(t, resp)

	matches, err := filepath.Glob(filepath.Join(dir, "bad_json-7-1700000000-*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), samplePayload)
	assert.Contains(t, string(data), `{"src/main.c": [`)
}

func TestScanRawFormatSkipsDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<bom><component name="zlib"/></bom>`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Scan(context.Background(), Request{
		Payload: wfp.NewPayload(samplePayload),
		Format:  "cyclonedx-xml",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Results)
	assert.Contains(t, resp.Raw, "zlib")
}

func TestScanCancelledContextIsFatalButNotExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, server.URL).Scan(ctx, Request{Payload: wfp.NewPayload(samplePayload)})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NormalizeTimeout(0))
	assert.Equal(t, DefaultTimeout, NormalizeTimeout(4*time.Second))
	assert.Equal(t, MinTimeout, NormalizeTimeout(MinTimeout))

	client := NewClient(Config{URL: "http://example.com", Timeout: time.Second})
	assert.Equal(t, DefaultTimeout, client.Timeout())
}

func TestRawFormat(t *testing.T) {
	assert.True(t, RawFormat("xml"))
	assert.True(t, RawFormat("CycloneDX-XML"))
	assert.False(t, RawFormat("plain"))
	assert.False(t, RawFormat(""))
}

func TestRateLimitedClientStillCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithRateLimit(100))
	for i := 0; i < 3; i++ {
		_, err := client.Scan(context.Background(), Request{Payload: wfp.NewPayload(samplePayload)})
		require.NoError(t, err)
	}
}
