package mirai

import (
	"context"
	"fmt"

	"github.com/sipeed/miraiclaw/pkg/codec"
	"github.com/sipeed/miraiclaw/pkg/logger"
	"github.com/sipeed/miraiclaw/pkg/message"
)

// SendFriendMessage uploads any unresolved images in chain, sends it to
// friend and returns the gateway-assigned message id.
func (s *Session) SendFriendMessage(ctx context.Context, friend Friend, chain message.Chain) (int64, error) {
	return s.send(ctx, "sendFriendMessage", ScopeFriend, friend.ID, chain)
}

// SendGroupMessage uploads any unresolved images in chain, sends it to
// group and returns the gateway-assigned message id.
func (s *Session) SendGroupMessage(ctx context.Context, group *Group, chain message.Chain) (int64, error) {
	if group == nil {
		return 0, errNilGroup("sendGroupMessage")
	}
	return s.send(ctx, "sendGroupMessage", ScopeGroup, group.ID, chain)
}

func (s *Session) send(ctx context.Context, endpoint string, scope UploadScope, target int64, chain message.Chain) (int64, error) {
	key, err := s.sessionKey(endpoint)
	if err != nil {
		return 0, err
	}

	if err := s.PreprocessChain(ctx, chain, scope); err != nil {
		return 0, err
	}

	wire, err := codec.EncodeChain(chain)
	if err != nil {
		return 0, fmt.Errorf("mirai: %s: %w", endpoint, err)
	}

	var resp sendResponse
	request := sendRequest{SessionKey: key, Target: target, MessageChain: wire}
	if err := s.transport.PostJSON(ctx, endpoint, request, &resp); err != nil {
		return 0, err
	}
	if resp.Code != 0 {
		return 0, &SendError{Code: resp.Code, Message: resp.Msg}
	}

	logger.DebugCF("mirai", "Message sent", map[string]interface{}{
		"endpoint":   endpoint,
		"target":     target,
		"message_id": resp.MessageID,
		"components": len(chain),
	})
	return resp.MessageID, nil
}
