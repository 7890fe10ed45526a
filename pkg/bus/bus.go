package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/sipeed/miraiclaw/pkg/logger"
)

const defaultBufferSize = 100

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus: closed")

// MessageBus decouples channels from whoever consumes their messages.
// Inbound messages flow from a channel to consumers; outbound messages flow
// to the handler registered for their channel.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	once     sync.Once

	mu       sync.RWMutex
	handlers map[string]func(context.Context, OutboundMessage) error
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
		handlers: make(map[string]func(context.Context, OutboundMessage) error),
	}
}

// PublishInbound queues msg for consumers, assigning a correlation id when
// it has none. While the inbound buffer is full it blocks until a consumer
// makes room, ctx is done or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	select {
	case <-mb.done:
		return ErrClosed
	default:
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-mb.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available, ctx is done or the
// bus is closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-mb.done:
		return ErrClosed
	default:
	}
	select {
	case mb.outbound <- msg:
		return nil
	case <-mb.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// RegisterHandler routes outbound messages for channel to handler.
func (mb *MessageBus) RegisterHandler(channel string, handler func(context.Context, OutboundMessage) error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) handler(channel string) (func(context.Context, OutboundMessage) error, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	h, ok := mb.handlers[channel]
	return h, ok
}

// DispatchOutbound delivers outbound messages to their channel handlers
// until ctx is done or the bus is closed.
func (mb *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := mb.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		h, found := mb.handler(msg.Channel)
		if !found {
			logger.WarnCF("bus", "No handler for outbound message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
			continue
		}
		if err := h(ctx, msg); err != nil {
			logger.ErrorCF("bus", "Outbound delivery failed", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

// Close wakes every blocked publisher and consumer. Messages still queued
// may be dropped. Safe to call more than once.
func (mb *MessageBus) Close() {
	mb.once.Do(func() {
		close(mb.done)
	})
}
