package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"wfpscan/internal/api"
	"wfpscan/internal/progress"
	"wfpscan/internal/queue"
)

const (
	// MaxWorkers caps the pool regardless of the requested thread count.
	MaxWorkers = 30
	// DefaultJoinTimeout bounds how long Wait waits for each worker to exit.
	DefaultJoinTimeout = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("dispatch: coordinator already started")

// Scanner posts a single request. *api.Client satisfies it.
type Scanner interface {
	Scan(ctx context.Context, req api.Request) (*api.Response, error)
}

type Template struct {
	Mode     string
	Manifest string
	Format   string
	Flags    int
	Context  string
}

func (t Template) request(item queue.Item, worker string) api.Request {
	return api.Request{
		Payload:  item.Payload,
		Mode:     t.Mode,
		Manifest: t.Manifest,
		Format:   t.Format,
		Flags:    t.Flags,
		Context:  t.Context,
		Worker:   worker,
	}
}

type Options struct {
	Threads     int
	JoinTimeout time.Duration
	Template    Template
	Logger      zerolog.Logger
}

// RunResult is the outcome of a finished run. Responses are in completion
// order, which is unrelated to queue order.
type RunResult struct {
	Responses []*api.Response
	Failed    bool
	// Processed is the number of files in every dequeued payload.
	Processed int
	// Requests counts payloads actually sent, Skipped those drained unsent
	// after a failure.
	Requests  int
	Skipped   int
	Workers   int
	Abandoned int
	Elapsed   time.Duration
}

type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type worker struct {
	id   int
	name string
	done chan struct{}
}

type Coordinator struct {
	scanner Scanner
	queue   *queue.Queue
	tracker *progress.Tracker
	opts    Options
	log     zerolog.Logger

	state  atomic.Int32
	failed atomic.Bool

	processed atomic.Int64
	requests  atomic.Int64
	skipped   atomic.Int64

	mu        sync.Mutex
	responses []*api.Response
	workers   []*worker
	started   time.Time

	// stopCtx ends when the stop signal is raised; workers pop under it.
	// reqCtx outlives it so in-flight requests finish.
	stopCtx    context.Context
	stop       context.CancelFunc
	reqCtx     context.Context
	cancelReqs context.CancelFunc

	result RunResult
	waited chan struct{}
	once   sync.Once
}

// A nil tracker counts progress without display.
func New(scanner Scanner, q *queue.Queue, tracker *progress.Tracker, opts Options) *Coordinator {
	if tracker == nil {
		tracker = progress.New(progress.Options{})
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Coordinator{
		scanner: scanner,
		queue:   q,
		tracker: tracker,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "dispatch").Logger(),
		waited:  make(chan struct{}),
	}
}

// PoolSize returns min(threads, depth) with threads capped at MaxWorkers,
// and whether the cap applied.
func PoolSize(threads, depth int) (int, bool) {
	clamped := false
	if threads > MaxWorkers {
		threads = MaxWorkers
		clamped = true
	}
	if threads < 1 {
		threads = 1
	}
	if depth < threads {
		threads = depth
	}
	if threads < 0 {
		threads = 0
	}
	return threads, clamped
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) Failed() bool {
	return c.failed.Load()
}

// Start launches the pool. Payloads pushed after Start are served by the
// running workers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateDispatching)) {
		return ErrAlreadyStarted
	}

	c.started = time.Now()
	c.reqCtx, c.cancelReqs = context.WithCancel(ctx)
	c.stopCtx, c.stop = context.WithCancel(c.reqCtx)

	c.spawnLocked(c.queue.Len())
	return nil
}

func (c *Coordinator) spawnLocked(depth int) {
	if len(c.workers) > 0 {
		return
	}
	size, clamped := PoolSize(c.opts.Threads, depth)
	if clamped {
		c.log.Warn().
			Int("requested", c.opts.Threads).
			Int("max", MaxWorkers).
			Msg("requested threads too large, reducing")
	}
	if size < c.opts.Threads && !clamped {
		c.log.Debug().
			Int("queue", depth).
			Int("threads", c.opts.Threads).
			Msg("queue smaller than requested threads, reducing to queue size")
	} else {
		c.log.Debug().
			Int("workers", size).
			Int("queue", depth).
			Msg("starting workers")
	}

	for i := range size {
		w := &worker{
			id:   i + 1,
			name: fmt.Sprintf("w%02d", i+1),
			done: make(chan struct{}),
		}
		c.workers = append(c.workers, w)
		go c.work(w)
	}
}

func (c *Coordinator) Run(ctx context.Context) bool {
	if err := c.Start(ctx); err != nil {
		c.log.Error().Err(err).Msg("start dispatch")
		c.failed.Store(true)
	}
	return c.Wait()
}

// Wait blocks until the queue drains, stops the pool and joins the workers.
// It reports true when no worker recorded an error. Calling Wait again
// returns the same verdict.
func (c *Coordinator) Wait() bool {
	c.once.Do(c.complete)
	<-c.waited
	return !c.result.Failed
}

func (c *Coordinator) Result() RunResult {
	<-c.waited
	return c.result
}

func (c *Coordinator) complete() {
	defer close(c.waited)

	c.mu.Lock()
	if c.State() == StateIdle {
		c.state.Store(int32(StateStopped))
		c.mu.Unlock()
		c.log.Error().Msg("wait called before start")
		c.failed.Store(true)
		c.result = RunResult{Failed: true}
		return
	}
	// A pool started on an empty queue is sized once work has arrived.
	c.spawnLocked(c.queue.Len())
	workers := append([]*worker(nil), c.workers...)
	c.mu.Unlock()

	c.state.Store(int32(StateDraining))
	select {
	case <-c.queue.Drained():
	case <-c.reqCtx.Done():
		c.log.Warn().Err(c.reqCtx.Err()).
			Int("unfinished", c.queue.Unfinished()).
			Msg("dispatch cancelled before queue drained")
		c.failed.Store(true)
	}

	c.state.Store(int32(StateStopped))
	c.stop()

	abandoned := 0
	for _, w := range workers {
		timer := time.NewTimer(c.opts.JoinTimeout)
		select {
		case <-w.done:
		case <-timer.C:
			abandoned++
			c.log.Warn().
				Str("worker", w.name).
				Dur("timeout", c.opts.JoinTimeout).
				Msg("worker did not stop in time, abandoning")
		}
		timer.Stop()
	}
	// Abandoned workers have their in-flight requests cancelled.
	c.cancelReqs()
	if abandoned > 0 {
		c.log.Warn().Int("abandoned", abandoned).Msg("workers abandoned at shutdown")
	}

	c.mu.Lock()
	responses := append([]*api.Response(nil), c.responses...)
	elapsed := time.Since(c.started)
	c.mu.Unlock()

	c.result = RunResult{
		Responses: responses,
		Failed:    c.failed.Load(),
		Processed: int(c.processed.Load()),
		Requests:  int(c.requests.Load()),
		Skipped:   int(c.skipped.Load()),
		Workers:   len(workers),
		Abandoned: abandoned,
		Elapsed:   elapsed,
	}
}
