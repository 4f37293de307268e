// Package progress counts fingerprinted files as workers finish with them and
// optionally drives a visual indicator on an interactive terminal.
package progress

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Update is a delta applied to an indicator.
type Update struct {
	TotalDelta     int
	ProcessedDelta int
	ErrorDelta     int
}

// Indicator renders progress. Updates arrive serialized; Close is called once.
type Indicator interface {
	Update(Update)
	Close()
}

// IndicatorFunc builds an indicator for a run whose expected total is known.
type IndicatorFunc func(total int) Indicator

type Options struct {
	// Interactive reports whether output is attached to a terminal.
	Interactive bool
	Quiet       bool
	// NewIndicator is invoked at most once, lazily.
	NewIndicator IndicatorFunc
}

// Interactive reports whether f is a terminal.
func Interactive(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Tracker is a mutex-guarded file counter safe for use by many workers.
type Tracker struct {
	mu        sync.Mutex
	processed int
	total     int
	errors    int
	enabled   bool
	newInd    IndicatorFunc
	ind       Indicator
	closed    bool
}

func New(opts Options) *Tracker {
	return &Tracker{
		enabled: opts.Interactive && !opts.Quiet && opts.NewIndicator != nil,
		newInd:  opts.NewIndicator,
	}
}

// AddTotal grows the expected file count. Producers call it as payloads are
// queued.
func (t *Tracker) AddTotal(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += n
	if t.ind != nil {
		t.ind.Update(Update{TotalDelta: n})
		return
	}
	t.ensureIndicatorLocked()
}

// Advance records n more files as handled.
func (t *Tracker) Advance(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += n
	if t.ind != nil {
		t.ind.Update(Update{ProcessedDelta: n})
		return
	}
	t.ensureIndicatorLocked()
}

// Fail records a request that ended without a result.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors++
	if t.ind != nil {
		t.ind.Update(Update{ErrorDelta: 1})
	}
}

func (t *Tracker) Processed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}

func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *Tracker) Errors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errors
}

// Close stops the indicator, if one was started. Counting continues to work
// afterwards without display.
func (t *Tracker) Close() {
	t.mu.Lock()
	ind := t.ind
	t.ind = nil
	t.closed = true
	t.mu.Unlock()
	if ind != nil {
		ind.Close()
	}
}

// ensureIndicatorLocked starts the indicator once a total is known and
// replays the counts recorded before it existed.
func (t *Tracker) ensureIndicatorLocked() {
	if t.ind != nil || !t.enabled || t.closed || t.total == 0 {
		return
	}
	t.ind = t.newInd(t.total)
	if t.ind == nil {
		t.enabled = false
		return
	}
	if t.processed > 0 || t.errors > 0 {
		t.ind.Update(Update{ProcessedDelta: t.processed, ErrorDelta: t.errors})
	}
}
