package channels

import (
	"context"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/sipeed/miraiclaw/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may talk to the bot. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	return lo.Contains(c.allowList, senderID)
}

// HandleMessage publishes an inbound message if either the sender or the
// chat is allowed. It gives up when ctx is done or the bus is closed.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, media []string, metadata map[string]string) error {
	if !c.IsAllowed(senderID) && !c.IsAllowed(chatID) {
		return nil
	}

	return c.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
}
