package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/sipeed/miraiclaw/pkg/logger"
)

// IsImageFile checks if a file path has an image extension.
func IsImageFile(path string) bool {
	return DetectImageMimeType(path) != ""
}

// DetectImageMimeType returns the MIME type for an image file based on extension.
func DetectImageMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return ""
}

// SniffImageMimeType inspects the file content and returns its MIME type
// if it is an image, or "" otherwise.
func SniffImageMimeType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return mt.String(), nil
		}
	}
	return "", nil
}

// SanitizeFilename removes potentially dangerous characters from a filename
// and returns a safe version for local filesystem storage.
func SanitizeFilename(filename string) string {
	// Get the base filename without path
	base := filepath.Base(filename)

	// Remove any directory traversal attempts
	base = strings.ReplaceAll(base, "..", "")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")

	// Gateway image ids look like {XXXX-...}.jpg
	base = strings.Map(func(r rune) rune {
		switch r {
		case '{', '}', ':', '*', '?', '"', '<', '>', '|':
			return -1
		}
		return r
	}, base)

	return base
}

// DownloadOptions holds optional parameters for downloading files
type DownloadOptions struct {
	Timeout      time.Duration
	ExtraHeaders map[string]string
	LoggerPrefix string
	// Dir is where the file is written. Empty means a miraiclaw_media
	// directory under os.TempDir.
	Dir string
	// MaxBytes caps the response size. Zero means 20 MB.
	MaxBytes int64
}

// DownloadFile downloads a file from url into opts.Dir and returns the local
// path. The local name is the sanitized filename behind a short random prefix.
func DownloadFile(ctx context.Context, url, filename string, opts DownloadOptions) (string, error) {
	// Set defaults
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.LoggerPrefix == "" {
		opts.LoggerPrefix = "utils"
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "miraiclaw_media")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}

	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}

	safeName := SanitizeFilename(filename)
	if safeName == "" || safeName == "." {
		safeName = "download"
	}
	localPath := filepath.Join(opts.Dir, uuid.New().String()[:8]+"_"+safeName)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	for key, value := range opts.ExtraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}

	n, err := io.Copy(out, io.LimitReader(resp.Body, opts.MaxBytes+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > opts.MaxBytes {
		err = fmt.Errorf("download %s: larger than %d bytes", url, opts.MaxBytes)
	}
	if err != nil {
		os.Remove(localPath)
		return "", err
	}

	logger.DebugCF(opts.LoggerPrefix, "File downloaded successfully", map[string]interface{}{
		"path":  localPath,
		"bytes": n,
	})

	return localPath, nil
}
