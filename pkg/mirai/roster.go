package mirai

import (
	"context"
	"net/url"
	"strconv"

	"github.com/samber/lo"
)

// GetFriends lists the bot account's friends.
func (s *Session) GetFriends(ctx context.Context) ([]Friend, error) {
	key, err := s.sessionKey("friendList")
	if err != nil {
		return nil, err
	}

	var friends []friendWire
	if err := s.transport.Get(ctx, "friendList", url.Values{"sessionKey": {key}}, &friends); err != nil {
		return nil, err
	}
	return lo.Map(friends, func(w friendWire, _ int) Friend {
		return w.toFriend()
	}), nil
}

// GetGroups lists the groups the bot account is in. Membership is not
// populated; use GetMembers.
func (s *Session) GetGroups(ctx context.Context) ([]*Group, error) {
	key, err := s.sessionKey("groupList")
	if err != nil {
		return nil, err
	}

	var groups []groupWire
	if err := s.transport.Get(ctx, "groupList", url.Values{"sessionKey": {key}}, &groups); err != nil {
		return nil, err
	}
	return lo.Map(groups, func(w groupWire, _ int) *Group {
		return w.toGroup()
	}), nil
}

// GetMembers lists the members of group. Every returned Member points back
// at group.
func (s *Session) GetMembers(ctx context.Context, group *Group) ([]Member, error) {
	if group == nil {
		return nil, errNilGroup("memberList")
	}
	key, err := s.sessionKey("memberList")
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("sessionKey", key)
	query.Set("target", strconv.FormatInt(group.ID, 10))

	var members []memberWire
	if err := s.transport.Get(ctx, "memberList", query, &members); err != nil {
		return nil, err
	}
	return lo.Map(members, func(w memberWire, _ int) Member {
		return w.toMember(group)
	}), nil
}
