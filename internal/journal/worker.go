package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrClosed      = errors.New("journal worker closed")
	ErrStopTimeout = errors.New("journal worker did not stop in time")
)

// Source reads and acknowledges the journal of committed transactions.
type Source interface {
	JournalEntries(ctx context.Context, workspace, transactionID string) ([]store.JournalEntry, error)
	MarkConsumed(ctx context.Context, workspace, transactionID string) error
}

// Handler applies the net changes of one transaction. A returned error
// makes the worker retry the same transaction.
type Handler interface {
	Sync(ctx context.Context, workspace string, records []Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, workspace string, records []Record) error

func (f HandlerFunc) Sync(ctx context.Context, workspace string, records []Record) error {
	return f(ctx, workspace, records)
}

type Options struct {
	QueueSize int
	// Retry is the pause before a failed transaction is tried again.
	Retry time.Duration
	// StopWait bounds how long Close waits for the worker goroutine.
	StopWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Retry <= 0 {
		o.Retry = 5 * time.Second
	}
	if o.StopWait <= 0 {
		o.StopWait = 10 * time.Second
	}
	return o
}

// Worker consumes the committed transactions of one workspace, one at a
// time and in the order they were enqueued.
type Worker struct {
	workspace string
	source    Source
	handler   Handler
	opts      Options
	log       zerolog.Logger

	queue  chan string
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once

	// overflow is set when Offer drops an id. The worker then re-reads the
	// unconsumed transactions once its queue drains.
	overflow atomic.Bool
	// replayed holds the ids consumed by the last catch-up, so a queued
	// duplicate is skipped.
	replayed map[string]struct{}
}

func NewWorker(workspace string, source Source, handler Handler, opts Options, log zerolog.Logger) *Worker {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		workspace: workspace,
		source:    source,
		handler:   handler,
		opts:      opts,
		log:       log.With().Str("component", "journal").Str("workspace", workspace).Logger(),
		queue:     make(chan string, opts.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the consumer goroutine.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Enqueue hands a committed transaction to the worker. It blocks while the
// queue is full.
func (w *Worker) Enqueue(ctx context.Context, transactionID string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- transactionID:
		return nil
	case <-w.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer hands a committed transaction to the worker without blocking. When
// the queue is full the id is dropped and the worker later catches up from
// the journal's unconsumed transactions. It reports whether the id was
// queued.
func (w *Worker) Offer(transactionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- transactionID:
		return true
	default:
		w.overflow.Store(true)
		return false
	}
}

// Pending returns the number of queued transactions.
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Close stops the worker and waits up to StopWait for it to exit. The
// transaction in flight is abandoned and stays unconsumed in the journal.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.cancel()
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	// A worker that never started has nothing to join.
	w.startOnce.Do(func() { close(w.done) })
	select {
	case <-w.done:
		return nil
	case <-time.After(w.opts.StopWait):
		return fmt.Errorf("%w: %s", ErrStopTimeout, w.workspace)
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case txID, ok := <-w.queue:
			if !ok {
				return
			}
			if _, done := w.replayed[txID]; done {
				delete(w.replayed, txID)
			} else {
				w.process(txID)
			}
			if len(w.queue) == 0 && w.overflow.Swap(false) {
				w.catchUp()
			}
		}
	}
}

// catchUp consumes every transaction the journal still lists as
// unconsumed, in commit order. Only called with an empty queue, so the
// list holds the dropped ids plus any that raced into the queue.
func (w *Worker) catchUp() {
	pending, ok := w.source.(PendingSource)
	if !ok {
		w.log.Error().Msg("journal queue overflowed and the source cannot list unconsumed transactions")
		return
	}
	var ids []string
	for attempt := 1; ; attempt++ {
		var err error
		ids, err = pending.PendingTransactions(w.ctx, w.workspace)
		if err == nil {
			break
		}
		if w.ctx.Err() != nil {
			return
		}
		w.log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", w.opts.Retry).Msg("list unconsumed transactions failed")
		select {
		case <-time.After(w.opts.Retry):
		case <-w.ctx.Done():
			return
		}
	}
	w.log.Warn().Int("transactions", len(ids)).Msg("journal queue overflowed, catching up")
	w.replayed = make(map[string]struct{}, len(ids))
	for _, txID := range ids {
		if w.ctx.Err() != nil {
			return
		}
		w.process(txID)
		w.replayed[txID] = struct{}{}
	}
}

// process retries txID until it succeeds or the worker stops.
func (w *Worker) process(txID string) {
	for attempt := 1; ; attempt++ {
		err := w.consume(w.ctx, txID)
		if err == nil {
			return
		}
		if w.ctx.Err() != nil {
			return
		}
		w.log.Error().Err(err).Str("transaction", txID).Int("attempt", attempt).
			Dur("retry_in", w.opts.Retry).Msg("journal sync failed")
		select {
		case <-time.After(w.opts.Retry):
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) consume(ctx context.Context, txID string) error {
	entries, err := w.source.JournalEntries(ctx, w.workspace, txID)
	if err != nil {
		return fmt.Errorf("load journal %s: %w", txID, err)
	}
	changes := Coalesce(entries)
	if changes.Len() > 0 {
		if err := w.handler.Sync(ctx, w.workspace, changes.Records()); err != nil {
			return fmt.Errorf("sync %s: %w", txID, err)
		}
	}
	if err := w.source.MarkConsumed(ctx, w.workspace, txID); err != nil {
		return fmt.Errorf("mark consumed %s: %w", txID, err)
	}
	w.log.Debug().Str("transaction", txID).Int("entries", len(entries)).Int("records", changes.Len()).Msg("transaction consumed")
	return nil
}
