package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	console      = log.New(os.Stderr, "", log.LstdFlags)
	sink         *fileSink
)

type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// fileSink appends JSON lines to a file, rotating it by size or by day.
type fileSink struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	rotate       bool
	maxSizeBytes int64
	maxAgeDays   int
	size         int64
	openedDay    string
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects console lines, mainly so tests can capture them.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console = log.New(w, "", log.LstdFlags)
}

func EnableFileLogging(filePath string) error {
	return EnableFileLoggingWithRotation(filePath, false, 0, 0)
}

func EnableFileLoggingWithRotation(filePath string, rotationEnabled bool, maxSizeMB int, maxAgeDays int) error {
	filePath = expandHome(filePath)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	s := &fileSink{
		path:         filePath,
		rotate:       rotationEnabled,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		maxAgeDays:   maxAgeDays,
	}
	if err := s.open(); err != nil {
		return err
	}

	mu.Lock()
	old := sink
	sink = s
	mu.Unlock()

	if old != nil {
		old.close()
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	old := sink
	sink = nil
	mu.Unlock()

	if old != nil {
		old.close()
	}
}

func (s *fileSink) open() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	var size int64
	if st, err := file.Stat(); err == nil {
		size = st.Size()
	}
	s.file = file
	s.size = size
	s.openedDay = time.Now().Format("2006-01-02")
	return nil
}

func (s *fileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *fileSink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if s.needsRotation() {
		if err := s.rotateLocked(); err != nil {
			log.Printf("Failed to rotate log file: %v", err)
		}
	}
	n, err := s.file.Write(line)
	if err == nil {
		s.size += int64(n)
	}
}

func (s *fileSink) needsRotation() bool {
	if !s.rotate {
		return false
	}
	if s.maxSizeBytes > 0 && s.size >= s.maxSizeBytes {
		return true
	}
	return s.maxAgeDays > 0 && time.Now().Format("2006-01-02") != s.openedDay
}

func (s *fileSink) rotateLocked() error {
	s.file.Close()
	s.file = nil

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().Format("20060102-150405"))
	renameErr := os.Rename(s.path, rotated)
	if err := s.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("failed to rotate log file: %w", renameErr)
	}

	go pruneRotated(s.path, s.maxAgeDays)
	return nil
}

func pruneRotated(path string, maxAgeDays int) {
	if maxAgeDays <= 0 {
		return
	}
	dir, base := filepath.Dir(path), filepath.Base(path)
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	mu.RLock()
	threshold, out, fs := currentLevel, console, sink
	mu.RUnlock()

	if level < threshold {
		return
	}

	entry := LogEntry{
		Level:     level.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}
	if pc, file, line, ok := runtime.Caller(2); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Caller = fmt.Sprintf("%s:%d (%s)", file, line, fn.Name())
		}
	}

	if fs != nil {
		if data, err := json.Marshal(entry); err == nil {
			fs.write(append(data, '\n'))
		}
	}

	out.Println(formatLine(entry))

	if level == FATAL {
		os.Exit(1)
	}
}

func formatLine(entry LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", entry.Timestamp, entry.Level)
	if entry.Component != "" {
		fmt.Fprintf(&b, " %s:", entry.Component)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		b.WriteByte(' ')
		b.WriteString(formatFields(entry.Fields))
	}
	return b.String()
}

// formatFields renders fields in key order so lines are stable across runs.
func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]interface{}) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func FatalC(component string, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalCF(component string, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
