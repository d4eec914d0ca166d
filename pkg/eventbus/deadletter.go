package eventbus

import (
	"context"
	"sync"
	"time"
)

// DeadLetter records an event+subscription pair whose delivery exhausted all
// retry attempts. Dead letters are archived for offline inspection, never
// surfaced to the publisher.
type DeadLetter struct {
	Event          *Event    `json:"event"`
	SubscriptionID string    `json:"subscription_id"`
	Module         string    `json:"module,omitempty"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	FailedAt       time.Time `json:"failed_at"`
}

// DeadLetterSink archives failed deliveries. Implementations must not block
// delivery workers for long; sink failures are logged and dropped — the sink
// is the last resort, there is nowhere further to escalate.
type DeadLetterSink interface {
	Write(ctx context.Context, letter DeadLetter) error
}

// MemoryDeadLetterSink is a bounded in-memory ring sink. When full, the
// oldest letter is evicted; capacity is explicit, never unbounded.
type MemoryDeadLetterSink struct {
	mu       sync.Mutex
	letters  []DeadLetter
	capacity int
	dropped  uint64
}

// NewMemoryDeadLetterSink creates a sink holding at most capacity letters
// (default 1000).
func NewMemoryDeadLetterSink(capacity int) *MemoryDeadLetterSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetterSink{capacity: capacity}
}

// Write implements DeadLetterSink.
func (s *MemoryDeadLetterSink) Write(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	if len(s.letters) >= s.capacity {
		s.letters = s.letters[1:]
		s.dropped++
	}
	s.letters = append(s.letters, letter)
	s.mu.Unlock()
	return nil
}

// List returns a copy of the retained letters, oldest first.
func (s *MemoryDeadLetterSink) List() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// Dropped returns how many letters were evicted to make room.
func (s *MemoryDeadLetterSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Drain removes and returns all retained letters (used by archivers).
func (s *MemoryDeadLetterSink) Drain() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.letters
	s.letters = nil
	return out
}
