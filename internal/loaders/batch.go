package loaders

import (
	"context"
	"sync"
	"time"

	"colloquy/api/internal/obs"
	"colloquy/api/internal/store"
)

// batchWindow is how long the first caller of a batch waits for siblings
// before dispatching. Long enough to coalesce the fan-out of one resolver
// pass, short enough to be invisible in request latency.
const batchWindow = 500 * time.Microsecond

// messageBatcher coalesces concurrent LoadMessage calls into a single
// query. It is deliberately not a cache: a finished batch is discarded, so
// a later call for the same ID re-queries the database. Correctness of the
// request-scoped contract depends on that.
type messageBatcher struct {
	mu      sync.Mutex
	pending *messageBatch
	fetch   func(ctx context.Context, ids []string) (map[string]*store.Message, error)
}

type messageBatch struct {
	ids     []string
	done    chan struct{}
	results map[string]*store.Message
	err     error
}

func newMessageBatcher(fetch func(ctx context.Context, ids []string) (map[string]*store.Message, error)) *messageBatcher {
	return &messageBatcher{fetch: fetch}
}

// load joins the current batch (opening one if none is pending) and blocks
// until it is dispatched. Results keyed by ID preserve the caller's
// positional contract: everyone gets exactly the message they asked for,
// or nil.
func (b *messageBatcher) load(ctx context.Context, id string) (*store.Message, error) {
	b.mu.Lock()
	batch := b.pending
	if batch == nil {
		batch = &messageBatch{done: make(chan struct{})}
		b.pending = batch
		go b.dispatch(ctx, batch)
	}
	batch.ids = append(batch.ids, id)
	b.mu.Unlock()

	select {
	case <-batch.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if batch.err != nil {
		return nil, batch.err
	}
	return batch.results[id], nil
}

func (b *messageBatcher) dispatch(ctx context.Context, batch *messageBatch) {
	timer := time.NewTimer(batchWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.pending == batch {
		b.pending = nil
	}
	ids := dedupe(batch.ids)
	b.mu.Unlock()

	obs.ObserveBatchSize(len(ids))
	batch.results, batch.err = b.fetch(ctx, ids)
	close(batch.done)
}
