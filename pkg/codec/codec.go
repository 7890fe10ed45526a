// Package codec converts message chains to and from the gateway's JSON
// representation.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/sipeed/miraiclaw/pkg/message"
)

// ErrUnresolvedImage is returned when encoding a chain that still holds an
// image without a gateway identifier.
var ErrUnresolvedImage = errors.New("codec: image has no image id, upload it first")

type sourceWire struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	Time int64  `json:"time"`
}

type plainWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageWire struct {
	Type    string `json:"type"`
	ImageID string `json:"imageId"`
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
}

type atWire struct {
	Type    string `json:"type"`
	Target  int64  `json:"target"`
	Display string `json:"display,omitempty"`
}

type atAllWire struct {
	Type string `json:"type"`
}

type faceWire struct {
	Type   string `json:"type"`
	FaceID int    `json:"faceId"`
	Name   string `json:"name,omitempty"`
}

type quoteWire struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	GroupID  int64             `json:"groupId"`
	SenderID int64             `json:"senderId"`
	TargetID int64             `json:"targetId"`
	Origin   []json.RawMessage `json:"origin"`
}

// EncodeChain returns the wire form of chain, one JSON-marshalable value per
// component, ready to be embedded as "messageChain" in a send request.
func EncodeChain(chain message.Chain) ([]any, error) {
	out := make([]any, 0, len(chain))
	for i, cmp := range chain {
		w, err := encodeComponent(cmp)
		if err != nil {
			return nil, fmt.Errorf("component %d (%s): %w", i, cmp.Kind(), err)
		}
		out = append(out, w)
	}
	return out, nil
}

func encodeComponent(cmp message.Component) (any, error) {
	switch v := cmp.(type) {
	case *message.Source:
		return sourceWire{Type: v.Kind(), ID: v.ID, Time: v.Time}, nil
	case *message.Plain:
		return plainWire{Type: v.Kind(), Text: v.Text}, nil
	case *message.Image:
		if !v.Resolved() {
			return nil, ErrUnresolvedImage
		}
		return imageWire{Type: v.Kind(), ImageID: v.ImageID, URL: v.URL, Path: v.Path}, nil
	case *message.At:
		return atWire{Type: v.Kind(), Target: v.Target, Display: v.Display}, nil
	case *message.AtAll:
		return atAllWire{Type: v.Kind()}, nil
	case *message.Face:
		return faceWire{Type: v.Kind(), FaceID: v.FaceID, Name: v.Name}, nil
	case *message.Quote:
		origin, err := EncodeChain(v.Origin)
		if err != nil {
			return nil, err
		}
		raw := make([]json.RawMessage, 0, len(origin))
		for _, o := range origin {
			data, err := json.Marshal(o)
			if err != nil {
				return nil, err
			}
			raw = append(raw, data)
		}
		return quoteWire{Type: v.Kind(), ID: v.ID, GroupID: v.GroupID, SenderID: v.SenderID, TargetID: v.TargetID, Origin: raw}, nil
	}
	return nil, fmt.Errorf("unsupported component type %T", cmp)
}

// MarshalChain is EncodeChain followed by json.Marshal.
func MarshalChain(chain message.Chain) ([]byte, error) {
	wire, err := EncodeChain(chain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// DecodeChain parses a wire "messageChain" array. Components of unknown kind,
// and components that fail to decode, are skipped.
func DecodeChain(raw []byte) (message.Chain, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("codec: message chain is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("codec: message chain is %s, want array", parsed.Type)
	}

	chain := make(message.Chain, 0, len(parsed.Array()))
	parsed.ForEach(func(_, value gjson.Result) bool {
		if cmp, ok := decodeComponent(value); ok {
			chain = append(chain, cmp)
		}
		return true
	})
	return chain, nil
}

func decodeComponent(value gjson.Result) (message.Component, bool) {
	raw := []byte(value.Raw)
	switch value.Get("type").String() {
	case "Source":
		var w sourceWire
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		return &message.Source{ID: w.ID, Time: w.Time}, true
	case "Plain":
		var w plainWire
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		return &message.Plain{Text: w.Text}, true
	case "Image", "FlashImage":
		var w imageWire
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		return &message.Image{ImageID: w.ImageID, URL: w.URL, Path: w.Path, Flash: w.Type == "FlashImage"}, true
	case "At":
		var w atWire
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		return &message.At{Target: w.Target, Display: w.Display}, true
	case "AtAll":
		return &message.AtAll{}, true
	case "Face":
		var w faceWire
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		return &message.Face{FaceID: w.FaceID, Name: w.Name}, true
	case "Quote":
		var w struct {
			ID       int64 `json:"id"`
			GroupID  int64 `json:"groupId"`
			SenderID int64 `json:"senderId"`
			TargetID int64 `json:"targetId"`
		}
		if json.Unmarshal(raw, &w) != nil {
			return nil, false
		}
		q := &message.Quote{ID: w.ID, GroupID: w.GroupID, SenderID: w.SenderID, TargetID: w.TargetID}
		if origin := value.Get("origin"); origin.IsArray() {
			q.Origin, _ = DecodeChain([]byte(origin.Raw))
		}
		return q, true
	}
	return nil, false
}
