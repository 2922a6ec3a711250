package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is the writable destination for a session's forwarded payload bytes.
// It is exclusively owned by the active session.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
	Name() string
}

// SinkFactory opens a fresh sink for a new session.
type SinkFactory func(start time.Time) (Sink, error)

// FileSink persists a session's payload stream to a capture file.
type FileSink struct {
	file *os.File
	path string
}

// NewFileSinkFactory returns a factory producing uniquely named capture
// files under dir. The uuid suffix keeps two sessions within the same
// second from colliding.
func NewFileSinkFactory(dir string) SinkFactory {
	return func(start time.Time) (Sink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create capture dir: %w", err)
		}
		name := fmt.Sprintf("out_%s_%s.rd",
			start.UTC().Format("20060102T150405"),
			uuid.New().String()[:8])
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		return &FileSink{file: f, path: path}, nil
	}
}

func (s *FileSink) Write(p []byte) (int, error) { return s.file.Write(p) }
func (s *FileSink) Name() string                { return s.path }

func (s *FileSink) Close() error {
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// BufferSink accumulates the payload stream in memory. Used by tests.
type BufferSink struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Factory returns this same sink for every session; handy when a test only
// runs one session at a time.
func (b *BufferSink) Factory() SinkFactory {
	return func(time.Time) (Sink, error) {
		b.mu.Lock()
		b.closed = false
		b.mu.Unlock()
		return b, nil
	}
}

func (b *BufferSink) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *BufferSink) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *BufferSink) Name() string { return "buffer" }

func (b *BufferSink) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *BufferSink) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
