// Package dispatch runs the worker pool that posts queued fingerprint
// payloads to the scan service.
//
// A Coordinator moves through four states. While Idle the caller fills the
// queue. Start sizes the pool as min(threads, queue depth), capped at
// MaxWorkers, and enters Dispatching. Wait enters Draining and blocks until
// every queued payload has been marked done, then enters Stopped: it raises
// the stop signal and joins each worker with a bounded timeout.
//
// Every dequeued payload is accounted for exactly once. A payload that fails
// still advances progress and is still marked done, so the drain can never
// stall on a failure. After the first request error the run is reported as
// failed and the remaining payloads are drained without being sent.
package dispatch
