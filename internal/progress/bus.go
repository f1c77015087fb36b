package progress

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives events for a subscribed job.
type Handler func(Event)

// Bus is an in-process registry of per-job subscribers. Publish invokes every
// handler for the event's job on the caller's goroutine, in subscription
// order, then forwards the event to the optional Emitter.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	forward Emitter
	logger  *zap.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus builds a Bus. forward may be nil.
func NewBus(forward Emitter, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string][]subscription),
		forward: forward,
		logger:  logger,
	}
}

// Subscribe registers handler for jobID and returns a function that removes
// it. The returned function is idempotent.
func (b *Bus) Subscribe(jobID string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[jobID] = append(b.subs[jobID], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(jobID, id) })
	}
}

func (b *Bus) unsubscribe(jobID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[jobID]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		break
	}
	if len(subs) == 0 {
		delete(b.subs, jobID)
		return
	}
	b.subs[jobID] = subs
}

// Subscribers returns the number of handlers registered for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Publish delivers evt to the job's subscribers. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.JobID]))
	for _, sub := range b.subs[evt.JobID] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
	if b.forward != nil {
		b.forward.Emit(evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("job_id", evt.JobID),
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	h(evt)
}
