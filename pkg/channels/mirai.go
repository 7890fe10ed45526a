package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sipeed/miraiclaw/pkg/attachments"
	"github.com/sipeed/miraiclaw/pkg/bus"
	"github.com/sipeed/miraiclaw/pkg/config"
	"github.com/sipeed/miraiclaw/pkg/logger"
	"github.com/sipeed/miraiclaw/pkg/message"
	"github.com/sipeed/miraiclaw/pkg/mirai"
	"github.com/sipeed/miraiclaw/pkg/usage"
	"github.com/sipeed/miraiclaw/pkg/utils"
)

const groupChatPrefix = "group:"

// GroupChatID returns the chat id used for a group conversation. Friend
// conversations use the friend's QQ number.
func GroupChatID(groupID int64) string {
	return groupChatPrefix + strconv.FormatInt(groupID, 10)
}

// MiraiChannel bridges a mirai gateway session onto the message bus. It
// polls for events on a fixed interval and sends outbound messages as
// friend or group messages depending on the chat id.
type MiraiChannel struct {
	*BaseChannel
	config       config.ChannelConfig
	sessionCfg   mirai.Config
	pollInterval time.Duration
	store        *attachments.Store
	traffic      *usage.Store
	session      *mirai.Session
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	processedIDs map[string]bool
	mu           sync.RWMutex
}

// NewMiraiChannel creates the channel. store may be nil, in which case
// inbound images are never downloaded.
func NewMiraiChannel(cfg *config.Config, messageBus *bus.MessageBus, store *attachments.Store) (*MiraiChannel, error) {
	interval := cfg.PollInterval()
	if interval <= 0 {
		return nil, fmt.Errorf("mirai poll interval must be positive, got %v", interval)
	}
	base := NewBaseChannel("mirai", messageBus, cfg.Channel.AllowFrom)

	return &MiraiChannel{
		BaseChannel:  base,
		config:       cfg.Channel,
		sessionCfg:   cfg.MiraiConfig(),
		pollInterval: interval,
		store:        store,
		processedIDs: make(map[string]bool),
	}, nil
}

// SetTrafficStore makes the channel record every delivered and received
// message in s.
func (c *MiraiChannel) SetTrafficStore(s *usage.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traffic = s
}

func (c *MiraiChannel) Start(ctx context.Context) error {
	logger.InfoCF("mirai", "Starting mirai channel (polling mode)", map[string]interface{}{
		"host":          c.sessionCfg.Host,
		"port":          c.sessionCfg.Port,
		"poll_interval": c.pollInterval.String(),
	})

	session, err := mirai.Open(ctx, c.sessionCfg)
	if err != nil {
		return fmt.Errorf("failed to open mirai session: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setRunning(true)
	go c.pollLoop(c.ctx, session, c.done)

	logger.InfoC("mirai", "Mirai channel started successfully")
	return nil
}

func (c *MiraiChannel) Stop(ctx context.Context) error {
	logger.InfoC("mirai", "Stopping mirai channel")
	c.setRunning(false)

	c.mu.Lock()
	cancel, done, session := c.cancel, c.done, c.session
	c.cancel, c.done, c.session = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		logger.WarnC("mirai", "Poll loop did not stop in time, releasing session anyway")
	}
	if err := session.Close(); err != nil {
		return err
	}
	return waitErr
}

// Session returns the live gateway session, or nil when the channel is
// stopped.
func (c *MiraiChannel) Session() *mirai.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *MiraiChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	session := c.Session()
	if !c.IsRunning() || session == nil {
		return fmt.Errorf("mirai channel not running")
	}

	chain, err := BuildChain(msg)
	if err != nil {
		return err
	}
	messageID, err := SendChain(ctx, session, msg.ChatID, chain)
	c.recordTraffic(usage.Record{
		ChatID:    msg.ChatID,
		Direction: usage.Outbound,
		Chars:     utf8.RuneCountInString(msg.Content),
		Images:    len(chain.Images()),
		Failed:    err != nil,
	})
	if err != nil {
		logger.ErrorCF("mirai", "Failed to send message", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		return err
	}

	logger.DebugCF("mirai", "Message delivered", map[string]interface{}{
		"chat_id":    msg.ChatID,
		"message_id": messageID,
	})
	return nil
}

// ParseChatID splits a chat id into the target number and whether it
// names a group.
func ParseChatID(chatID string) (int64, bool, error) {
	raw, isGroup := strings.CutPrefix(chatID, groupChatPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, fmt.Errorf("invalid chat id %q", chatID)
	}
	return id, isGroup, nil
}

// BuildChain turns an outbound message into a chain: the text first, then
// one image per media path. Non-image media is skipped.
func BuildChain(msg bus.OutboundMessage) (message.Chain, error) {
	chain := message.Chain{}
	if msg.Content != "" {
		chain = chain.Append(message.NewPlain(msg.Content))
	}
	for _, path := range msg.Media {
		if !utils.IsImageFile(path) {
			logger.WarnCF("mirai", "Skipping non-image media", map[string]interface{}{
				"path": path,
			})
			continue
		}
		chain = chain.Append(message.NewImageFromFile(path))
	}
	if len(chain) == 0 {
		return nil, errors.New("mirai: nothing to send")
	}
	return chain, nil
}

// SendChain sends chain to the friend or group chatID names.
func SendChain(ctx context.Context, session *mirai.Session, chatID string, chain message.Chain) (int64, error) {
	id, isGroup, err := ParseChatID(chatID)
	if err != nil {
		return 0, err
	}
	if isGroup {
		return session.SendGroupMessage(ctx, &mirai.Group{ID: id}, chain)
	}
	return session.SendFriendMessage(ctx, mirai.Friend{ID: id}, chain)
}

func (c *MiraiChannel) pollLoop(ctx context.Context, session *mirai.Session, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain(ctx, session)
		}
	}
}

// drain polls until the gateway has nothing pending.
func (c *MiraiChannel) drain(ctx context.Context, session *mirai.Session) {
	for ctx.Err() == nil {
		evt, err := session.PollEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnCF("mirai", "Poll failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
		if evt == nil {
			return
		}
		c.handleEvent(ctx, evt)
	}
}

func (c *MiraiChannel) handleEvent(ctx context.Context, evt mirai.Event) {
	var senderID, chatID string
	metadata := map[string]string{}

	switch e := evt.(type) {
	case *mirai.FriendMessageEvent:
		senderID = strconv.FormatInt(e.Sender.ID, 10)
		chatID = senderID
		metadata["sender_name"] = e.Sender.Nickname
		if e.Sender.Remark != "" {
			metadata["sender_remark"] = e.Sender.Remark
		}
	case *mirai.GroupMessageEvent:
		senderID = strconv.FormatInt(e.Sender.ID, 10)
		chatID = GroupChatID(e.Group.ID)
		metadata["sender_name"] = e.Sender.MemberName
		metadata["sender_role"] = e.Sender.Role.String()
		metadata["group_id"] = strconv.FormatInt(e.Group.ID, 10)
		metadata["group_name"] = e.Group.Name
	default:
		return
	}

	chain := evt.MessageChain()
	if src, ok := chain.Source(); ok {
		messageID := strconv.FormatInt(src.ID, 10)
		if c.isDuplicate(chatID + "/" + messageID) {
			return
		}
		metadata["message_id"] = messageID
	}

	if !c.IsAllowed(senderID) && !c.IsAllowed(chatID) {
		logger.DebugCF("mirai", "Message rejected by allowlist", map[string]interface{}{
			"sender":  senderID,
			"chat_id": chatID,
		})
		return
	}

	content := chain.String()
	media := c.downloadImages(ctx, chain, senderID, chatID, metadata["message_id"])
	if content == "" && len(media) == 0 {
		logger.DebugC("mirai", "Received empty message, ignoring")
		return
	}

	logger.InfoCF("mirai", "Received "+evt.EventType(), map[string]interface{}{
		"sender":  senderID,
		"chat_id": chatID,
		"preview": utils.Truncate(content, 50),
	})

	if err := c.HandleMessage(ctx, senderID, chatID, content, media, metadata); err != nil {
		logger.WarnCF("mirai", "Dropped inbound message", map[string]interface{}{
			"chat_id": chatID,
			"error":   err.Error(),
		})
		return
	}
	c.recordTraffic(usage.Record{
		ChatID:    chatID,
		Direction: usage.Inbound,
		Chars:     utf8.RuneCountInString(chain.PlainText()),
		Images:    len(chain.Images()),
	})
}

func (c *MiraiChannel) recordTraffic(r usage.Record) {
	c.mu.RLock()
	traffic := c.traffic
	c.mu.RUnlock()
	if traffic == nil {
		return
	}

	r.Channel = c.Name()
	if err := traffic.Append(r); err != nil {
		logger.WarnCF("mirai", "Failed to record traffic", map[string]interface{}{
			"chat_id": r.ChatID,
			"error":   err.Error(),
		})
	}
}

func (c *MiraiChannel) downloadImages(ctx context.Context, chain message.Chain, senderID, chatID, messageID string) []string {
	if c.store == nil || !c.config.DownloadMedia {
		return nil
	}

	var paths []string
	for _, img := range chain.Images() {
		if img.URL == "" {
			continue
		}
		rec, err := c.store.CacheImage(ctx, attachments.Origin{
			Channel:   c.Name(),
			ChatID:    chatID,
			SenderID:  senderID,
			MessageID: messageID,
			ImageID:   img.ImageID,
			URL:       img.URL,
		})
		if err != nil {
			logger.WarnCF("mirai", "Failed to cache inbound image", map[string]interface{}{
				"image_id": img.ImageID,
				"error":    err.Error(),
			})
			continue
		}
		paths = append(paths, rec.StoredPath)
	}
	return paths
}

// isDuplicate checks whether message is duplicate
func (c *MiraiChannel) isDuplicate(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processedIDs[messageID] {
		return true
	}

	c.processedIDs[messageID] = true

	// Simple cleanup: limit map size
	if len(c.processedIDs) > 10000 {
		// Clear half
		count := 0
		for id := range c.processedIDs {
			if count >= 5000 {
				break
			}
			delete(c.processedIDs, id)
			count++
		}
	}

	return false
}
