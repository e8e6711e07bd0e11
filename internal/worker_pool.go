package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// EventHandler consumes session events off the read loop.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// WorkerPool fans session events out to registered handlers on a fixed set
// of workers. With one worker events keep their order.
type WorkerPool struct {
	jobs    chan Event
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  logr.Logger
	metrics *Metrics

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
	catchAll   []EventHandler

	stopMu   sync.RWMutex
	stopOnce sync.Once
	stopped  bool

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWorkerPool creates a pool. Call Start to launch the workers.
func NewWorkerPool(workers, queueSize int, metrics *Metrics) *WorkerPool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:     make(chan Event, queueSize),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
		logger:   NewLogger("workers"),
		metrics:  metrics,
		handlers: make(map[string][]EventHandler),
	}
}

// Register adds a handler for one event name, or for all events when
// name is empty.
func (p *WorkerPool) Register(name string, h EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if name == "" {
		p.catchAll = append(p.catchAll, h)
		return
	}
	p.handlers[name] = append(p.handlers[name], h)
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.logger.Info("starting event workers", "workers", p.workers, "queue", cap(p.jobs))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for ev := range p.jobs {
				p.process(ev, workerID)
			}
		}(i)
	}
}

func (p *WorkerPool) process(ev Event, workerID int) {
	p.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(p.handlers[ev.EventName()])+len(p.catchAll))
	handlers = append(handlers, p.handlers[ev.EventName()]...)
	handlers = append(handlers, p.catchAll...)
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := p.safeHandle(h, ev); err != nil {
			p.failed.Add(1)
			p.logger.Error(err, "event handler failed", "worker", workerID, "event", ev.EventName())
		}
	}
	p.processed.Add(1)
}

func (p *WorkerPool) safeHandle(h EventHandler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleEvent(p.ctx, ev)
}

// Dispatch queues an event. It never blocks; a full queue drops the event.
func (p *WorkerPool) Dispatch(ev Event) bool {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- ev:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.IncrementDropped("worker_queue_full")
		p.logger.V(1).Info("event queue is full, event dropped", "event", ev.EventName())
		return false
	}
}

// Consume dispatches every event from events until the channel closes.
func (p *WorkerPool) Consume(events <-chan Event) {
	for ev := range events {
		p.Dispatch(ev)
	}
}

// Stop drains queued events and waits for the workers.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.stopMu.Lock()
		p.stopped = true
		close(p.jobs)
		p.stopMu.Unlock()
		p.wg.Wait()
		p.cancel()
		p.logger.Info("event workers stopped")
	})
}

// Stats returns the pool counters.
func (p *WorkerPool) Stats() map[string]uint64 {
	return map[string]uint64{
		"events_processed": p.processed.Load(),
		"handler_errors":   p.failed.Load(),
		"events_dropped":   p.dropped.Load(),
	}
}
