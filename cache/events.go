package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies manager events.
type EventType string

const (
	EventHit          EventType = "hit"
	EventMiss         EventType = "miss"
	EventSet          EventType = "set"
	EventDelete       EventType = "delete"
	EventEviction     EventType = "eviction"
	EventExpiration   EventType = "expiration"
	EventInvalidation EventType = "invalidation"
	EventLayerError   EventType = "layer_error"
)

// Event is one observable cache occurrence, delivered to registered
// observers off the hot path.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"type"`
	Key   string    `json:"key,omitempty"`
	Layer string    `json:"layer,omitempty"`
	At    time.Time `json:"at"`
}

// notifier fans events out to observer callbacks through a buffered queue
// and worker goroutines. Emit never blocks: when the queue is full the
// event is dropped and counted.
type notifier struct {
	queue     chan Event
	mu        sync.RWMutex
	callbacks []func(Event)

	emitted atomic.Int64
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNotifier(queueSize, workers int) *notifier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{
		queue:  make(chan Event, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *notifier) subscribe(fn func(Event)) {
	n.mu.Lock()
	n.callbacks = append(n.callbacks, fn)
	n.mu.Unlock()
}

func (n *notifier) emit(typ EventType, layer, key string) {
	n.mu.RLock()
	listening := len(n.callbacks) > 0
	n.mu.RUnlock()
	if !listening {
		return
	}

	n.emitted.Add(1)
	evt := Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Key:   key,
		Layer: layer,
		At:    time.Now(),
	}
	select {
	case n.queue <- evt:
	default:
		n.dropped.Add(1)
	}
}

func (n *notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case evt, ok := <-n.queue:
			if !ok {
				return
			}
			n.mu.RLock()
			cbs := make([]func(Event), len(n.callbacks))
			copy(cbs, n.callbacks)
			n.mu.RUnlock()
			for _, cb := range cbs {
				cb(evt)
			}
		}
	}
}

func (n *notifier) close() {
	n.cancel()
	n.wg.Wait()
}
