package producer

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// MemoryBackend is a Backend that records messages in memory. Used by tests
// across the pipeline packages; FailWith simulates broker errors.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []kafka.Message
	failWith error
	closed   bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// FailWith makes every subsequent write return err; nil restores success.
func (b *MemoryBackend) FailWith(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// WriteMessages records the messages or returns the configured failure.
func (b *MemoryBackend) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.messages = append(b.messages, msgs...)
	return nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Messages returns a copy of everything written so far.
func (b *MemoryBackend) Messages() []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]kafka.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len reports how many messages were written.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}
