package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/miraiclaw/pkg/logger"
	"github.com/sipeed/miraiclaw/pkg/utils"
)

// Record is one cached inbound image.
type Record struct {
	ID         string    `json:"id"`
	ImageID    string    `json:"image_id"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	MessageID  string    `json:"message_id"`
	URL        string    `json:"url,omitempty"`
	StoredPath string    `json:"stored_path"`
	MIMEType   string    `json:"mime_type,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

// Origin describes where an image was received.
type Origin struct {
	Channel   string
	ChatID    string
	SenderID  string
	MessageID string
	// ImageID is the gateway identifier; it keys the cache.
	ImageID string
	URL     string
}

type stateFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store caches inbound images under the workspace, keyed by gateway image
// id, and keeps a JSON index of what it holds.
type Store struct {
	mu        sync.RWMutex
	statePath string
	rootPath  string
	records   map[string]Record
	byImageID map[string]string
}

func NewStore(workspace string) *Store {
	root := filepath.Join(workspace, "attachments")
	statePath := filepath.Join(workspace, "state", "attachments.json")

	_ = os.MkdirAll(filepath.Dir(statePath), 0755)
	_ = os.MkdirAll(root, 0755)

	s := &Store{
		statePath: statePath,
		rootPath:  root,
		records:   map[string]Record{},
		byImageID: map[string]string{},
	}
	if err := s.load(); err != nil {
		logger.WarnCF("attachments", "Failed to load attachment index", map[string]interface{}{
			"path":  statePath,
			"error": err.Error(),
		})
	}
	return s
}

func (s *Store) RootPath() string {
	return s.rootPath
}

// CacheImage returns the cached copy of origin.ImageID, downloading it from
// origin.URL first if it is not cached yet or its file has gone missing.
func (s *Store) CacheImage(ctx context.Context, origin Origin) (Record, error) {
	if origin.ImageID != "" {
		if rec, ok := s.GetByImageID(origin.ImageID); ok {
			if _, err := os.Stat(rec.StoredPath); err == nil {
				return rec, nil
			}
		}
	}
	if origin.URL == "" {
		return Record{}, fmt.Errorf("image %s has no download url", origin.ImageID)
	}

	tmpDir, err := os.MkdirTemp("", "miraiclaw-dl-")
	if err != nil {
		return Record{}, fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	name := origin.ImageID
	if name == "" {
		name = "image"
	}
	localPath, err := utils.DownloadFile(ctx, origin.URL, name, utils.DownloadOptions{
		Dir:          tmpDir,
		LoggerPrefix: "attachments",
	})
	if err != nil {
		return Record{}, err
	}
	return s.SaveFromLocalFile(origin, localPath)
}

// SaveFromLocalFile copies localPath into the store and indexes it under
// origin. The content must be an image.
func (s *Store) SaveFromLocalFile(origin Origin, localPath string) (Record, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Record{}, fmt.Errorf("stat local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Record{}, fmt.Errorf("local path is not a regular file: %s", localPath)
	}

	mimeType, err := utils.SniffImageMimeType(localPath)
	if err != nil {
		return Record{}, fmt.Errorf("sniff image type: %w", err)
	}
	if mimeType == "" {
		return Record{}, fmt.Errorf("not an image: %s", localPath)
	}

	now := time.Now().UTC()
	dayPath := filepath.Join(
		s.rootPath,
		strings.ToLower(strings.TrimSpace(origin.Channel)),
		utils.SanitizeFilename(strings.TrimSpace(origin.ChatID)),
		now.Format("2006"),
		now.Format("01"),
		now.Format("02"),
	)
	if err := os.MkdirAll(dayPath, 0755); err != nil {
		return Record{}, fmt.Errorf("mkdir attachment day path: %w", err)
	}

	baseName := utils.SanitizeFilename(origin.ImageID)
	if baseName == "" || baseName == "." {
		baseName = filepath.Base(localPath)
	}
	destName := fmt.Sprintf("%s_%s_%s", now.Format("150405"), uuid.NewString()[:8], baseName)
	destPath := filepath.Join(dayPath, destName)

	size, sum, err := copyWithHash(localPath, destPath)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         "img_" + uuid.NewString(),
		ImageID:    origin.ImageID,
		Channel:    origin.Channel,
		ChatID:     origin.ChatID,
		SenderID:   origin.SenderID,
		MessageID:  origin.MessageID,
		URL:        origin.URL,
		StoredPath: destPath,
		MIMEType:   mimeType,
		SizeBytes:  size,
		SHA256:     sum,
		CreatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byImageID[rec.ImageID]; ok && rec.ImageID != "" {
		delete(s.records, prev)
	}
	s.records[rec.ID] = rec
	if rec.ImageID != "" {
		s.byImageID[rec.ImageID] = rec.ID
	}
	if err := s.saveLocked(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) GetByID(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *Store) GetByImageID(imageID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byImageID[imageID]
	if !ok {
		return Record{}, false
	}
	r, ok := s.records[id]
	return r, ok
}

// List returns the cached images for chatID, or every cached image when
// chatID is empty, oldest first.
func (s *Store) List(chatID string) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if chatID == "" || r.ChatID == chatID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsInRoot reports whether path lies inside the store's attachment root.
func (s *Store) IsInRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(s.rootPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyWithHash(srcPath, dstPath string) (int64, string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, "", fmt.Errorf("create destination file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	w := io.MultiWriter(dst, hasher)
	n, err := io.Copy(w, src)
	if err != nil {
		_ = os.Remove(dstPath)
		return 0, "", fmt.Errorf("copy file: %w", err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse attachment index: %w", err)
	}
	for _, r := range st.Records {
		s.records[r.ID] = r
		if r.ImageID != "" {
			s.byImageID[r.ImageID] = r.ID
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}

	st := stateFile{
		Version: 1,
		Records: records,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attachment store: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write attachment temp: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace attachment state: %w", err)
	}
	return nil
}
