// Package logger builds the process logger and keeps a thread-safe in-memory
// buffer of recent status messages for the dashboard status feed.
package logger

import (
	"sync"
	"time"
)

// Message represents a single log message
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     string    `json:"level"` // info, warning, error
}

// Buffer keeps the last maxSize messages.
type Buffer struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
}

// NewBuffer creates a buffer holding at most maxSize messages.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Buffer{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Log adds a new message to the buffer
func (b *Buffer) Log(level, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, Message{
		Timestamp: time.Now(),
		Text:      text,
		Level:     level,
	})

	// Keep only the last maxSize messages
	if len(b.messages) > b.maxSize {
		b.messages = b.messages[len(b.messages)-b.maxSize:]
	}
}

// GetRecent returns the most recent n messages (newest first)
func (b *Buffer) GetRecent(n int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.messages) || n < 0 {
		n = len(b.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = b.messages[len(b.messages)-1-i]
	}
	return result
}

// GetAll returns all messages (newest first)
func (b *Buffer) GetAll() []Message {
	return b.GetRecent(-1)
}
