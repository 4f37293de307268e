package dispatch

import (
	"github.com/rs/zerolog"

	"wfpscan/internal/queue"
)

func (c *Coordinator) work(w *worker) {
	defer close(w.done)

	log := c.log.With().Str("worker", w.name).Logger()
	log.Trace().Msg("worker started")
	defer log.Trace().Msg("worker stopped")

	for {
		if c.stopCtx.Err() != nil {
			return
		}
		item, err := c.queue.Pop(c.stopCtx)
		if err != nil {
			// Stop signal or a closed, empty queue.
			return
		}
		c.handle(log, w, item)
	}
}

// handle processes one item. It always advances progress and marks the item
// done, whatever the outcome, including a panic in the scanner.
func (c *Coordinator) handle(log zerolog.Logger, w *worker, item queue.Item) {
	files := item.Payload.Files
	defer func() {
		if r := recover(); r != nil {
			c.failed.Store(true)
			c.tracker.Fail()
			log.Error().Interface("panic", r).Int("item", item.Seq).Msg("scan panicked")
		}
		c.processed.Add(int64(files))
		c.tracker.Advance(files)
		if err := c.queue.Done(); err != nil {
			log.Error().Err(err).Int("item", item.Seq).Msg("mark item done")
		}
	}()

	if c.failed.Load() {
		c.skipped.Add(1)
		log.Debug().Int("item", item.Seq).Int("files", files).Msg("run failed, draining item unsent")
		return
	}

	log.Trace().Int("item", item.Seq).Int("files", files).Msg("processing request")
	c.requests.Add(1)
	resp, err := c.scanner.Scan(c.reqCtx, c.opts.Template.request(item, w.name))
	if err != nil {
		c.failed.Store(true)
		c.tracker.Fail()
		log.Error().Err(err).Int("item", item.Seq).Msg("problem encountered running scan")
		return
	}
	if resp == nil {
		log.Debug().Int("item", item.Seq).Msg("request produced no result")
		return
	}

	c.mu.Lock()
	c.responses = append(c.responses, resp)
	c.mu.Unlock()
	log.Trace().Int("item", item.Seq).Msg("request complete")
}
