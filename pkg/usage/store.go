package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	Inbound  = "in"
	Outbound = "out"

	retentionDays = 30
)

// Record is one message that crossed the gateway in either direction.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	DayKey    string    `json:"day_key"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Direction string    `json:"direction"`
	Chars     int       `json:"chars"`
	Images    int       `json:"images"`
	Failed    bool      `json:"failed,omitempty"`
}

type Filter struct {
	ChatID    string
	DayKey    string
	Direction string
	Limit     int
}

type Aggregate struct {
	Messages int
	Inbound  int
	Outbound int
	Failed   int
	Chars    int
	Images   int
}

// Store keeps message traffic records under <workspace>/state/traffic.json.
// Records older than 30 days are pruned on append.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
	loc     *time.Location
}

func NewStore(workspace string) *Store {
	s := &Store{
		records: make([]Record, 0, 256),
		loc:     time.Local,
	}
	if workspace == "" {
		return s
	}
	dir := filepath.Join(workspace, "state")
	_ = os.MkdirAll(dir, 0755)
	s.path = filepath.Join(dir, "traffic.json")
	s.load()
	return s
}

// DayKey returns the calendar day of ts in the store's time zone.
func (s *Store) DayKey(ts time.Time) string {
	return ts.In(s.loc).Format("2006-01-02")
}

func (s *Store) TodayKey() string {
	return s.DayKey(time.Now())
}

func (s *Store) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.DayKey == "" {
		r.DayKey = s.DayKey(r.Timestamp)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	if r.Timestamp.After(cutoff) {
		s.records = append(s.records, r)
	}
	return s.saveLocked()
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.ChatID != "" && r.ChatID != f.ChatID {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Direction != "" && r.Direction != f.Direction {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (a *Aggregate) add(r Record) {
	a.Messages++
	switch r.Direction {
	case Inbound:
		a.Inbound++
	case Outbound:
		a.Outbound++
	}
	if r.Failed {
		a.Failed++
	}
	a.Chars += r.Chars
	a.Images += r.Images
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.add(r)
	}
	return agg
}

// ChatTotals is the aggregate for one chat id.
type ChatTotals struct {
	ChatID string
	Aggregate
}

// ChatBreakdown aggregates records per chat, busiest chat first.
func ChatBreakdown(records []Record) []ChatTotals {
	byChat := map[string]*ChatTotals{}
	for _, r := range records {
		ct, ok := byChat[r.ChatID]
		if !ok {
			ct = &ChatTotals{ChatID: r.ChatID}
			byChat[r.ChatID] = ct
		}
		ct.add(r)
	}

	out := make([]ChatTotals, 0, len(byChat))
	for _, ct := range byChat {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Messages != out[j].Messages {
			return out[i].Messages > out[j].Messages
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	s.records = records
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
