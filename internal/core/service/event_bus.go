package service

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
)

const eventHandlerTimeout = 30 * time.Second

var ErrBusClosed = errors.New("event bus closed")

type EventHandler func(ctx context.Context, event domain.StockTransactionCommitted) error

type subscriber struct {
	name    string
	handler EventHandler
}

type envelope struct {
	ctx   context.Context
	event domain.StockTransactionCommitted
}

type busWorkerKey struct{}

// eventQueue is one partition: a FIFO with a soft limit. Publishers outside the
// bus wait for room; handlers running on a bus worker never wait.
type eventQueue struct {
	mu     sync.Mutex
	items  []envelope
	limit  int
	closed bool
	ready  chan struct{}
	space  chan struct{}
	done   chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = 1
	}
	return &eventQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *eventQueue) push(ctx context.Context, env envelope, wait bool) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrBusClosed
		}
		if !wait || len(q.items) < q.limit {
			q.items = append(q.items, env)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pop blocks until an envelope is queued. It reports false once the queue is
// closed and drained.
func (q *eventQueue) pop() (envelope, bool) {
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return envelope{}, false
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-q.done:
		}
		q.mu.Lock()
	}
	env := q.items[0]
	q.items[0] = envelope{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	signal(q.space)
	if more {
		signal(q.ready)
	}
	return env, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// EventBus fans committed transaction events out to in-process subscribers.
// Until Start is called events are dispatched synchronously on the publisher's
// goroutine. Once started, events are queued to a fixed set of workers, keyed
// by product so events for one product are handled in commit order. Events
// published by a handler on a worker are queued without waiting for room, so a
// full partition cannot stall its own worker.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	queues      []*eventQueue
	closed      bool
	wg          sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(name string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriber{name: name, handler: handler})
}

func (b *EventBus) Start(workers, queueSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues != nil || b.closed {
		return
	}
	if workers <= 0 {
		workers = 1
	}

	b.queues = make([]*eventQueue, workers)
	for i := range b.queues {
		q := newEventQueue(queueSize)
		b.queues[i] = q
		b.wg.Add(1)
		go func(id int) {
			defer b.wg.Done()
			b.workerLoop(id, q)
		}(i)
	}
}

func (b *EventBus) Publish(ctx context.Context, event domain.StockTransactionCommitted) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	if b.queues == nil {
		subs := b.subscribers
		b.mu.RUnlock()
		deliver(ctx, subs, event)
		return nil
	}
	q := b.queues[partition(event.Transaction.ProductID, len(b.queues))]
	b.mu.RUnlock()

	onWorker := ctx.Value(busWorkerKey{}) == b
	return q.push(ctx, envelope{ctx: context.WithoutCancel(ctx), event: event}, !onWorker)
}

// Close stops accepting events and waits for queued ones to be handled.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *EventBus) workerLoop(id int, queue *eventQueue) {
	for {
		env, ok := queue.pop()
		if !ok {
			break
		}
		b.mu.RLock()
		subs := b.subscribers
		b.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.WithValue(env.ctx, busWorkerKey{}, b), eventHandlerTimeout)
		deliver(ctx, subs, env.event)
		cancel()
	}
	logger.Ctx(context.Background()).Debug().Int("worker", id).Msg("event worker stopped")
}

func deliver(ctx context.Context, subs []subscriber, event domain.StockTransactionCommitted) {
	for _, s := range subs {
		if err := s.handler(ctx, event); err != nil {
			metrics.Events.WithLabelValues(s.name, "error").Inc()
			logger.Ctx(ctx).Error().Err(err).
				Str("subscriber", s.name).
				Str("transaction_id", event.Transaction.ID).
				Str("product_id", event.Transaction.ProductID).
				Msg("event handler failed")
			continue
		}
		metrics.Events.WithLabelValues(s.name, "ok").Inc()
	}
}

func partition(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
