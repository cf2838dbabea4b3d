package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PendingSource also lists the transactions not consumed yet.
type PendingSource interface {
	Source
	PendingTransactions(ctx context.Context, workspace string) ([]string, error)
}

// Manager runs one Worker per workspace.
type Manager struct {
	source  PendingSource
	handler Handler
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewManager(source PendingSource, handler Handler, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		source:  source,
		handler: handler,
		opts:    opts,
		log:     log,
		workers: make(map[string]*Worker),
	}
}

// Start launches the worker of each workspace and re-enqueues every
// transaction a previous run left unconsumed, in commit order.
func (m *Manager) Start(ctx context.Context, workspaces ...string) error {
	for _, ws := range workspaces {
		m.mu.Lock()
		if _, ok := m.workers[ws]; ok {
			m.mu.Unlock()
			continue
		}
		w := NewWorker(ws, m.source, m.handler, m.opts, m.log)
		m.workers[ws] = w
		m.mu.Unlock()
		w.Start()

		pending, err := m.source.PendingTransactions(ctx, ws)
		if err != nil {
			return fmt.Errorf("pending transactions %s: %w", ws, err)
		}
		for _, txID := range pending {
			if err := w.Enqueue(ctx, txID); err != nil {
				return fmt.Errorf("requeue %s: %w", txID, err)
			}
		}
		if len(pending) > 0 {
			m.log.Info().Str("workspace", ws).Int("transactions", len(pending)).Msg("resuming unconsumed journal")
		}
	}
	return nil
}

// Notify is the item-store commit hook. It never blocks the committing
// caller.
func (m *Manager) Notify(workspace, transactionID string) {
	m.mu.Lock()
	w, ok := m.workers[workspace]
	m.mu.Unlock()
	if !ok {
		m.log.Warn().Str("workspace", workspace).Str("transaction", transactionID).Msg("no journal worker for workspace")
		return
	}
	if !w.Offer(transactionID) {
		m.log.Warn().Str("workspace", workspace).Str("transaction", transactionID).Msg("journal queue full or closed, worker will catch up")
	}
}

// Worker returns the worker of a workspace.
func (m *Manager) Worker(workspace string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workspace]
	return w, ok
}

// Close stops every worker.
func (m *Manager) Close() error {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
