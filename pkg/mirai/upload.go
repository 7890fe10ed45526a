package mirai

import (
	"bytes"
	"context"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/sipeed/miraiclaw/pkg/logger"
	"github.com/sipeed/miraiclaw/pkg/message"
)

// UploadScope selects which kind of conversation an uploaded image is for.
type UploadScope string

const (
	ScopeFriend UploadScope = "friend"
	ScopeGroup  UploadScope = "group"
)

func (s UploadScope) formValue() (string, error) {
	switch s {
	case ScopeFriend, ScopeGroup:
		return string(s), nil
	}
	return "", &NotImplementedError{Feature: "image upload scope " + string(s)}
}

// Formats the gateway accepts as-is; anything else is transcoded to PNG.
var passthroughFormats = []struct {
	mime   string
	format string
}{
	{"image/jpeg", "jpeg"},
	{"image/png", "png"},
	{"image/gif", "gif"},
}

// PreprocessChain uploads every unresolved image in chain, one at a time in
// chain order, and records the gateway's image id and URL on each.
func (s *Session) PreprocessChain(ctx context.Context, chain message.Chain, scope UploadScope) error {
	for _, img := range chain.Images() {
		if img.Resolved() {
			continue
		}
		if err := s.uploadImage(ctx, img, scope); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) uploadImage(ctx context.Context, img *message.Image, scope UploadScope) error {
	scopeValue, err := scope.formValue()
	if err != nil {
		return err
	}
	key, err := s.sessionKey("uploadImage")
	if err != nil {
		return err
	}

	payload, format, err := normalizeImage(img)
	if err != nil {
		return err
	}

	id := uuid.New()
	filename := hex.EncodeToString(id[:]) + "." + format

	form := &MultipartForm{}
	form.AddField("sessionKey", key)
	form.AddField("type", scopeValue)
	form.AddFile("img", filename, "image/"+format, payload)

	var resp uploadResponse
	if err := s.transport.PostMultipart(ctx, "uploadImage", form, &resp); err != nil {
		return err
	}
	if resp.ImageID == "" {
		return &UploadError{Reason: "gateway returned no image id"}
	}

	img.ImageID = resp.ImageID
	img.URL = resp.URL
	if resp.Path != "" {
		img.Path = resp.Path
	}

	logger.DebugCF("mirai", "Image uploaded", map[string]interface{}{
		"image_id": resp.ImageID,
		"format":   format,
		"scope":    scopeValue,
	})
	return nil
}

// normalizeImage reads the image source and returns a reader positioned at
// the start of the bytes to upload, plus the lower-case format name.
// JPEG, PNG and GIF pass through untouched; other decodable formats are
// re-encoded as PNG.
func normalizeImage(img *message.Image) (io.Reader, string, error) {
	if img.Open == nil {
		return nil, "", &UploadError{Reason: "image has neither an id nor a source"}
	}
	rc, err := img.Open()
	if err != nil {
		return nil, "", &UploadError{Reason: "open image source", Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", &UploadError{Reason: "read image source", Err: err}
	}

	detected := mimetype.Detect(data)
	for _, f := range passthroughFormats {
		if detected.Is(f.mime) {
			return bytes.NewReader(data), f.format, nil
		}
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &UploadError{Reason: "decode " + detected.String() + " image", Err: err}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return nil, "", &UploadError{Reason: "transcode image to png", Err: err}
	}
	return bytes.NewReader(buf.Bytes()), "png", nil
}
