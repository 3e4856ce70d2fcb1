package logic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"opcua-gateway/config"
)

// memoryLog keeps the latest formatted entries for /api/logs.
type memoryLog struct {
	mu      sync.Mutex
	entries []string
	max     int
}

var logs = &memoryLog{max: 300}

// SetupLogger configures the global logrus logger from cfg and installs the
// in-memory hook. The returned logger is the global one.
func SetupLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log := logrus.StandardLogger()
	log.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logs.resize(cfg.MaxEntries)
	log.ReplaceHooks(make(logrus.LevelHooks))
	log.AddHook(&memoryHook{buf: logs})
	return log, nil
}

// GetLogs returns a copy of the buffered log lines, oldest first.
func GetLogs() []string {
	return logs.snapshot()
}

// ClearLogs empties the buffer.
func ClearLogs() {
	logs.mu.Lock()
	logs.entries = logs.entries[:0]
	logs.mu.Unlock()
}

func (m *memoryLog) resize(max int) {
	if max <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.max = max
	if len(m.entries) > max {
		m.entries = append([]string(nil), m.entries[len(m.entries)-max:]...)
	}
}

func (m *memoryLog) add(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.max {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, line)
}

func (m *memoryLog) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

// memoryHook copies every entry into a memoryLog.
type memoryHook struct {
	buf *memoryLog
}

func (h *memoryHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.buf.add(strings.TrimRight(line, "\n"))
	return nil
}

func (h *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
