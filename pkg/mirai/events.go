package mirai

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/sipeed/miraiclaw/pkg/codec"
	"github.com/sipeed/miraiclaw/pkg/logger"
)

// PollEvent fetches the latest event batch (count=1) and returns its first
// FriendMessage or GroupMessage event. It returns (nil, nil) when the batch
// holds no such event. Other event kinds and events that fail to decode are
// skipped. PollEvent never blocks waiting for new events; callers drive it
// from their own loop.
func (s *Session) PollEvent(ctx context.Context) (Event, error) {
	key, err := s.sessionKey("fetchLatestMessage")
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("sessionKey", key)
	query.Set("count", "1")

	var fetch fetchResponse
	if err := s.transport.Get(ctx, "fetchLatestMessage", query, &fetch); err != nil {
		return nil, err
	}
	if fetch.Code != 0 {
		return nil, &GatewayError{Endpoint: "fetchLatestMessage", Code: fetch.Code, Message: fetch.Msg}
	}

	for _, raw := range fetch.Data {
		evt, err := parseEvent(raw)
		if err != nil {
			logger.DebugCF("mirai", "Skipping malformed event", map[string]interface{}{
				"type":  gjson.GetBytes(raw, "type").String(),
				"error": err.Error(),
			})
			continue
		}
		if evt != nil {
			return evt, nil
		}
	}
	return nil, nil
}

// parseEvent decodes one event object. It returns (nil, nil) for event
// kinds that are not handled.
func parseEvent(raw json.RawMessage) (Event, error) {
	switch gjson.GetBytes(raw, "type").String() {
	case "FriendMessage":
		var w eventWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		var sender friendWire
		if err := json.Unmarshal(w.Sender, &sender); err != nil {
			return nil, err
		}
		chain, err := codec.DecodeChain(w.MessageChain)
		if err != nil {
			return nil, err
		}
		return &FriendMessageEvent{Message: chain, Sender: sender.toFriend()}, nil

	case "GroupMessage":
		var w eventWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		var sender memberWire
		if err := json.Unmarshal(w.Sender, &sender); err != nil {
			return nil, err
		}
		chain, err := codec.DecodeChain(w.MessageChain)
		if err != nil {
			return nil, err
		}
		group := sender.Group.toGroup()
		return &GroupMessageEvent{Message: chain, Sender: sender.toMember(group), Group: group}, nil
	}
	return nil, nil
}
