package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity = 100

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageBus decouples channel adapters from the agent loop. Publishing
// never blocks for longer than publishTimeout; events that cannot be
// queued in time are counted and dropped.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	handlers map[string]MessageHandler
	closed   bool
	mu       sync.RWMutex

	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
	onDrop     atomic.Pointer[func(direction string)]
}

const publishTimeout = 100 * time.Millisecond

func NewMessageBus() *MessageBus {
	return NewMessageBusWithCapacity(DefaultCapacity)
}

func NewMessageBusWithCapacity(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		handlers: make(map[string]MessageHandler),
	}
}

// OnDrop registers a callback invoked once per dropped event.
func (mb *MessageBus) OnDrop(fn func(direction string)) {
	mb.onDrop.Store(&fn)
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if !offer(mb.inbound, msg) {
		mb.droppedIn.Add(1)
		mb.dropped(DirectionInbound)
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return take(ctx, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if !offer(mb.outbound, msg) {
		mb.droppedOut.Add(1)
		mb.dropped(DirectionOutbound)
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return take(ctx, mb.outbound)
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.droppedIn.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.droppedOut.Load()
}

func (mb *MessageBus) dropped(direction string) {
	if fn := mb.onDrop.Load(); fn != nil && *fn != nil {
		(*fn)(direction)
	}
}

func offer[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- v:
		return true
	case <-timer.C:
		return false
	}
}

func take[T any](ctx context.Context, ch chan T) (T, bool) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, false
		}
		return v, true
	case <-ctx.Done():
		return zero, false
	}
}
