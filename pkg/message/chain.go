// Package message holds the message-chain value types exchanged with the
// gateway: an ordered list of components such as plain text, images,
// mentions and faces.
package message

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
)

// Component is one element of a Chain.
type Component interface {
	// Kind returns the gateway type tag, e.g. "Plain" or "Image".
	Kind() string
}

// Chain is an ordered sequence of components forming one message.
// Components are held by pointer so the upload pipeline can resolve
// images in place.
type Chain []Component

type Plain struct {
	Text string
}

// Image references a picture. An empty ImageID marks the image as
// unresolved: it must be uploaded before the chain is sent.
type Image struct {
	ImageID string
	URL     string
	Path    string
	// Flash marks a flash image; it is sent with the same payload as Image.
	Flash bool
	// Open yields the raw encoded image bytes for uploading.
	Open func() (io.ReadCloser, error)
}

type At struct {
	Target  int64
	Display string
}

type AtAll struct{}

type Face struct {
	FaceID int
	Name   string
}

// Source carries the gateway-assigned id and unix time of an inbound message.
// It is always the first component of a received chain.
type Source struct {
	ID   int64
	Time int64
}

type Quote struct {
	ID       int64
	GroupID  int64
	SenderID int64
	TargetID int64
	Origin   Chain
}

func (*Plain) Kind() string  { return "Plain" }
func (*At) Kind() string     { return "At" }
func (*AtAll) Kind() string  { return "AtAll" }
func (*Face) Kind() string   { return "Face" }
func (*Source) Kind() string { return "Source" }
func (*Quote) Kind() string  { return "Quote" }

func (i *Image) Kind() string {
	if i.Flash {
		return "FlashImage"
	}
	return "Image"
}

// Resolved reports whether the image already carries a gateway identifier.
func (i *Image) Resolved() bool {
	return i.ImageID != ""
}

func NewPlain(text string) *Plain {
	return &Plain{Text: text}
}

// NewImageFromFile returns an unresolved image read from a local file.
func NewImageFromFile(path string) *Image {
	return &Image{
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// NewImageFromBytes returns an unresolved image backed by an in-memory copy of data.
func NewImageFromBytes(data []byte) *Image {
	buf := append([]byte(nil), data...)
	return &Image{
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		},
	}
}

// NewImageFromID returns an image already known to the gateway.
func NewImageFromID(imageID string) *Image {
	return &Image{ImageID: imageID}
}

// Append adds components and returns the extended chain.
func (c Chain) Append(components ...Component) Chain {
	return append(c, components...)
}

// Images returns the image components in chain order.
func (c Chain) Images() []*Image {
	var images []*Image
	for _, cmp := range c {
		if img, ok := cmp.(*Image); ok {
			images = append(images, img)
		}
	}
	return images
}

// Source returns the chain's Source component, if any.
func (c Chain) Source() (*Source, bool) {
	for _, cmp := range c {
		if src, ok := cmp.(*Source); ok {
			return src, true
		}
	}
	return nil, false
}

// PlainText concatenates the text of all Plain components.
func (c Chain) PlainText() string {
	var b strings.Builder
	for _, cmp := range c {
		if p, ok := cmp.(*Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// String renders the chain for logs and consoles, using bracketed
// placeholders for non-text components.
func (c Chain) String() string {
	var b strings.Builder
	for _, cmp := range c {
		switch v := cmp.(type) {
		case *Plain:
			b.WriteString(v.Text)
		case *At:
			if v.Display != "" {
				b.WriteString(v.Display)
			} else {
				b.WriteString("@")
				b.WriteString(strconv.FormatInt(v.Target, 10))
			}
		case *AtAll:
			b.WriteString("@all")
		case *Source:
		default:
			b.WriteString("[")
			b.WriteString(cmp.Kind())
			b.WriteString("]")
		}
	}
	return b.String()
}
