package mirai

import (
	"encoding/json"

	"github.com/sipeed/miraiclaw/pkg/message"
)

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Friend struct {
	ID       int64
	Nickname string
	Remark   string
}

type Group struct {
	ID   int64
	Name string
	// Permission is the bot account's own role in the group.
	Permission Role
}

// Role is a member's permission level inside a group.
type Role int

const (
	RoleMember Role = iota
	RoleAdministrator
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "OWNER"
	case RoleAdministrator:
		return "ADMINISTRATOR"
	}
	return "MEMBER"
}

// ParseRole maps a gateway permission string to a Role. Unknown values map
// to RoleMember.
func ParseRole(permission string) Role {
	switch permission {
	case "OWNER":
		return RoleOwner
	case "ADMINISTRATOR":
		return RoleAdministrator
	}
	return RoleMember
}

type Member struct {
	ID         int64
	MemberName string
	Role       Role
	// Group is the group the member belongs to. It is not owned by the member.
	Group *Group
}

// Event is an inbound event produced by Session.PollEvent. The concrete type
// is *FriendMessageEvent or *GroupMessageEvent.
type Event interface {
	EventType() string
	MessageChain() message.Chain
}

type FriendMessageEvent struct {
	Message message.Chain
	Sender  Friend
}

type GroupMessageEvent struct {
	Message message.Chain
	Sender  Member
	Group   *Group
}

func (*FriendMessageEvent) EventType() string {
	return "FriendMessage"
}

func (e *FriendMessageEvent) MessageChain() message.Chain {
	return e.Message
}

func (*GroupMessageEvent) EventType() string {
	return "GroupMessage"
}

func (e *GroupMessageEvent) MessageChain() message.Chain {
	return e.Message
}

// Request and response shapes, one per endpoint.

type authRequest struct {
	AuthKey string `json:"authKey"`
}

type authResponse struct {
	Code    int    `json:"code"`
	Session string `json:"session"`
}

type sessionRequest struct {
	SessionKey string `json:"sessionKey"`
	QQ         int64  `json:"qq"`
}

type statusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type fetchResponse struct {
	Code int               `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type sendRequest struct {
	SessionKey   string `json:"sessionKey"`
	Target       int64  `json:"target"`
	MessageChain []any  `json:"messageChain"`
}

type sendResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	MessageID int64  `json:"messageId"`
}

type uploadResponse struct {
	ImageID string `json:"imageId"`
	URL     string `json:"url"`
	Path    string `json:"path"`
}

type friendWire struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

type groupWire struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

type memberWire struct {
	ID         int64     `json:"id"`
	MemberName string    `json:"memberName"`
	Permission string    `json:"permission"`
	Group      groupWire `json:"group"`
}

type eventWire struct {
	Type         string          `json:"type"`
	MessageChain json.RawMessage `json:"messageChain"`
	Sender       json.RawMessage `json:"sender"`
}

func (w friendWire) toFriend() Friend {
	return Friend{ID: w.ID, Nickname: w.Nickname, Remark: w.Remark}
}

func (w groupWire) toGroup() *Group {
	return &Group{ID: w.ID, Name: w.Name, Permission: ParseRole(w.Permission)}
}

func (w memberWire) toMember(group *Group) Member {
	return Member{ID: w.ID, MemberName: w.MemberName, Role: ParseRole(w.Permission), Group: group}
}
