// Package transcript writes conversation events to per-conversation NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventMessage = "message"
	EventStatus  = "status"
	EventEnded   = "ended"
)

// pendingKey names the file used before the backend assigns a chat key.
const pendingKey = "pending"

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one transcript line.
type Event struct {
	Timestamp       time.Time `json:"ts"`
	ChatKey         string    `json:"chat_key"`
	EventType       string    `json:"event_type"`
	MessageID       int64     `json:"message_id,omitempty"`
	Direction       string    `json:"direction,omitempty"`
	Status          string    `json:"status,omitempty"`
	SenderName      string    `json:"sender_name,omitempty"`
	Body            string    `json:"body,omitempty"`
	ServerMessageID string    `json:"server_message_id,omitempty"`
}

// Logger records transcript events. Log never blocks.
type Logger interface {
	Log(Event)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

// New returns a file-backed logger, or a no-op logger when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return noopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
		logger: logger.With("component", "transcript"),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

type fileLogger struct {
	dir    string
	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	files  map[string]*os.File
	logger *slog.Logger

	closeOnce sync.Once
}

// Log queues ev. When the queue is full the oldest event is dropped.
func (l *fileLogger) Log(ev Event) {
	select {
	case <-l.done:
		return
	default:
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case l.queue <- ev:
		return
	default:
	}

	select {
	case <-l.queue:
		l.logger.Warn("Transcript queue full, dropped oldest event", "queue_len", len(l.queue))
	default:
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Failed to queue transcript event", "chat_key", ev.ChatKey)
	}
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *fileLogger) write(ev Event) {
	f, err := l.file(ev.ChatKey)
	if err != nil {
		l.logger.Error("Failed to open transcript file", "chat_key", ev.ChatKey, "error", err)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("Failed to encode transcript event", "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Error("Failed to write transcript event", "chat_key", ev.ChatKey, "error", err)
	}
}

func (l *fileLogger) file(chatKey string) (*os.File, error) {
	name := fileName(chatKey)
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

// Close flushes queued events and closes the files.
func (l *fileLogger) Close() error {
	var firstErr error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		for name, f := range l.files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close transcript %s: %w", name, err)
			}
		}
	})
	return firstErr
}

// fileName maps a chat key onto a safe file name.
func fileName(chatKey string) string {
	if chatKey == "" {
		chatKey = pendingKey
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, chatKey)
	return clean + ".ndjson"
}
