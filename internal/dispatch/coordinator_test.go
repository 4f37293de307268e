package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wfpscan/internal/api"
	"wfpscan/internal/diagnostics"
	"wfpscan/internal/progress"
	"wfpscan/internal/queue"
	"wfpscan/pkg/wfp"
)

type scanFunc func(ctx context.Context, req api.Request) (*api.Response, error)

func (f scanFunc) Scan(ctx context.Context, req api.Request) (*api.Response, error) {
	return f(ctx, req)
}

func okScanner() scanFunc {
	return func(_ context.Context, req api.Request) (*api.Response, error) {
		return &api.Response{
			Results: map[string][]api.Match{req.Payload.Text: {{"id": "none"}}},
			Files:   req.Payload.Files,
		}, nil
	}
}

func wfpText(files ...string) string {
	var b strings.Builder
	for _, name := range files {
		fmt.Fprintf(&b, "file=0123456789abcdef,10,%s\n4=a1b2c3d4\n", name)
	}
	return b.String()
}

func fill(t *testing.T, q *queue.Queue, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if err := q.Push(wfp.NewPayload(p)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

func TestPoolSize(t *testing.T) {
	cases := []struct {
		threads, depth int
		want           int
		clamped        bool
	}{
		{threads: 10, depth: 100, want: 10},
		{threads: 100, depth: 100, want: MaxWorkers, clamped: true},
		{threads: 31, depth: 5, want: 5, clamped: true},
		{threads: 10, depth: 3, want: 3},
		{threads: 0, depth: 4, want: 1},
		{threads: 4, depth: 0, want: 0},
	}
	for _, tc := range cases {
		got, clamped := PoolSize(tc.threads, tc.depth)
		assert.Equal(t, tc.want, got, "threads=%d depth=%d", tc.threads, tc.depth)
		assert.Equal(t, tc.clamped, clamped, "threads=%d depth=%d", tc.threads, tc.depth)
	}
}

func TestRunProcessesEveryItemOnce(t *testing.T) {
	const n = 25
	q := queue.New(0)
	for i := range n {
		fill(t, q, wfpText(fmt.Sprintf("src/f%02d.c", i)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	scanner := scanFunc(func(ctx context.Context, req api.Request) (*api.Response, error) {
		mu.Lock()
		seen[req.Payload.Text]++
		mu.Unlock()
		return okScanner()(ctx, req)
	})

	c := New(scanner, q, nil, Options{Threads: n})
	require.True(t, c.Run(context.Background()))

	res := c.Result()
	assert.Len(t, res.Responses, n)
	assert.Equal(t, n, res.Processed)
	assert.Equal(t, n, res.Requests)
	assert.Equal(t, n, res.Workers)
	assert.Zero(t, q.Unfinished())
	assert.Equal(t, StateStopped, c.State())
	require.Len(t, seen, n)
	for text, count := range seen {
		assert.Equal(t, 1, count, "payload %q", text)
	}
}

func TestRunPoolNeverExceedsCapOrDepth(t *testing.T) {
	q := queue.New(0)
	for range 40 {
		fill(t, q, wfpText("a.c"))
	}
	c := New(okScanner(), q, nil, Options{Threads: 100})
	require.True(t, c.Run(context.Background()))
	assert.Equal(t, MaxWorkers, c.Result().Workers)

	q = queue.New(0)
	fill(t, q, wfpText("a.c"), wfpText("b.c"))
	c = New(okScanner(), q, nil, Options{Threads: 10})
	require.True(t, c.Run(context.Background()))
	assert.Equal(t, 2, c.Result().Workers)
}

func TestRunCountsFilesAcrossPayloads(t *testing.T) {
	q := queue.New(0)
	fill(t, q, wfpText("a.c", "b.c", "c.c"), wfpText("d.c"))
	tracker := progress.New(progress.Options{})

	c := New(okScanner(), q, tracker, Options{Threads: 2})
	require.True(t, c.Run(context.Background()))

	res := c.Result()
	assert.Len(t, res.Responses, 2)
	assert.Equal(t, 4, tracker.Processed())
	assert.Equal(t, 4, res.Processed)
	assert.False(t, res.Failed)
}

func TestRunDropsEmptyResults(t *testing.T) {
	q := queue.New(0)
	fill(t, q, wfpText("a.c"), wfpText("b.c"))
	scanner := scanFunc(func(context.Context, api.Request) (*api.Response, error) {
		return nil, nil
	})

	c := New(scanner, q, nil, Options{Threads: 2})
	require.True(t, c.Run(context.Background()))
	assert.Empty(t, c.Result().Responses)
	assert.Equal(t, 2, c.Result().Processed)
}

func TestFailureDrainsRemainingItemsUnsent(t *testing.T) {
	q := queue.New(0)
	fill(t, q, wfpText("a.c"), wfpText("b.c", "c.c"), wfpText("d.c"))

	var calls atomic.Int32
	scanner := scanFunc(func(context.Context, api.Request) (*api.Response, error) {
		calls.Add(1)
		return nil, &api.Error{Op: "scan", URL: "http://scan", Exhausted: true, Attempts: 6}
	})
	tracker := progress.New(progress.Options{})

	c := New(scanner, q, tracker, Options{Threads: 1})
	assert.False(t, c.Run(context.Background()))

	res := c.Result()
	assert.True(t, res.Failed)
	assert.Empty(t, res.Responses)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, res.Requests)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 4, tracker.Processed(), "failed and skipped items still count")
	assert.Equal(t, 1, tracker.Errors())
	assert.Zero(t, q.Unfinished())
}

func TestRunWithClientRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"a.c":[{"id":"none"}]}`))
	}))
	defer srv.Close()

	client := api.NewClient(api.Config{URL: srv.URL},
		api.WithRetryPolicy(time.Millisecond, api.DefaultMaxRetries),
		api.WithDiagnostics(diagnostics.FileSink{Dir: t.TempDir()}),
	)
	q := queue.New(0)
	fill(t, q, wfpText("a.c"))

	c := New(client, q, nil, Options{Threads: 1})
	require.True(t, c.Run(context.Background()))
	assert.EqualValues(t, 5, hits.Load())
	require.Len(t, c.Result().Responses, 1)
	assert.Contains(t, c.Result().Responses[0].Results, "a.c")
}

func TestRunWithClientExhaustedRetriesFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	client := api.NewClient(api.Config{URL: srv.URL},
		api.WithRetryPolicy(time.Millisecond, api.DefaultMaxRetries),
	)
	q := queue.New(0)
	fill(t, q, wfpText("a.c"))

	c := New(client, q, nil, Options{Threads: 1})
	done := make(chan bool, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.EqualValues(t, 6, hits.Load())
	assert.Empty(t, c.Result().Responses)
	assert.Zero(t, q.Unfinished())
}

func TestStreamingStartServesLatePayloads(t *testing.T) {
	q := queue.New(0)
	fill(t, q, wfpText("a.c"), wfpText("b.c"), wfpText("c.c"))

	c := New(okScanner(), q, nil, Options{Threads: 2})
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	fill(t, q, wfpText("d.c"), wfpText("e.c", "f.c"))
	q.Close()

	require.True(t, c.Wait())
	assert.True(t, c.Wait(), "verdict is stable")
	res := c.Result()
	assert.Len(t, res.Responses, 5)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 2, res.Workers)
}

func TestStartOnEmptyQueueSizesPoolAtWait(t *testing.T) {
	q := queue.New(0)
	c := New(okScanner(), q, nil, Options{Threads: 4})
	require.NoError(t, c.Start(context.Background()))

	fill(t, q, wfpText("a.c"))
	require.True(t, c.Wait())
	assert.Equal(t, 1, c.Result().Workers)
	assert.Len(t, c.Result().Responses, 1)
}

func TestEmptyRunSucceeds(t *testing.T) {
	c := New(okScanner(), queue.New(0), nil, Options{Threads: 4})
	require.True(t, c.Run(context.Background()))
	assert.Zero(t, c.Result().Workers)
}

func TestWaitBeforeStartFails(t *testing.T) {
	c := New(okScanner(), queue.New(0), nil, Options{Threads: 1})
	assert.False(t, c.Wait())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestCancelAbandonsStuckWorker(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	entered := make(chan struct{})
	scanner := scanFunc(func(context.Context, api.Request) (*api.Response, error) {
		close(entered)
		<-release
		return nil, errors.New("released")
	})

	q := queue.New(0)
	fill(t, q, wfpText("a.c"))
	ctx, cancel := context.WithCancel(context.Background())

	c := New(scanner, q, nil, Options{Threads: 1, JoinTimeout: 20 * time.Millisecond})
	require.NoError(t, c.Start(ctx))
	<-entered
	cancel()

	assert.False(t, c.Wait())
	res := c.Result()
	assert.Equal(t, 1, res.Abandoned)
	assert.True(t, res.Failed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestScannerPanicFailsRunWithoutCrashing(t *testing.T) {
	q := queue.New(0)
	fill(t, q, wfpText("a.c", "b.c"), wfpText("c.c"))

	scanner := scanFunc(func(context.Context, api.Request) (*api.Response, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	})
	tracker := progress.New(progress.Options{})

	c := New(scanner, q, tracker, Options{Threads: 1})
	assert.False(t, c.Run(context.Background()))

	res := c.Result()
	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.Requests)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, tracker.Processed())
	assert.Equal(t, 1, tracker.Errors())
	assert.Zero(t, q.Unfinished())
}

func TestMalformedResponsesEachKeepAnArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := api.NewClient(api.Config{URL: srv.URL},
		api.WithRetryPolicy(time.Millisecond, api.DefaultMaxRetries),
		api.WithDiagnostics(diagnostics.FileSink{Dir: dir}),
		api.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	q := queue.New(0)
	fill(t, q, wfpText("a.c"), wfpText("b.c"), wfpText("c.c"))

	c := New(client, q, nil, Options{Threads: 1})
	require.True(t, c.Run(context.Background()))
	assert.Empty(t, c.Result().Responses)

	artifacts, err := filepath.Glob(filepath.Join(dir, "bad_json-w01-1700000000-*.txt"))
	require.NoError(t, err)
	assert.Len(t, artifacts, 3)
}
