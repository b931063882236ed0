package service

import (
	"sync"

	"tradeassist/gateway/internal/model"
)

const defaultLogBufferSize = 500

// LogBuffer retains the most recent trade logs streamed by the
// assistant. Older entries fall off the far end; Total keeps counting.
type LogBuffer struct {
	mu    sync.RWMutex
	logs  []model.TradeLog
	head  int
	count int
	total uint64
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = defaultLogBufferSize
	}
	return &LogBuffer{
		logs: make([]model.TradeLog, size),
	}
}

// Append adds an entry, evicting the oldest when the buffer is full
func (b *LogBuffer) Append(entry model.TradeLog) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logs[(b.head+b.count)%len(b.logs)] = entry
	if b.count < len(b.logs) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.logs)
	}
	b.total++
}

// Recent returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (b *LogBuffer) Recent(limit int) []model.TradeLog {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]model.TradeLog, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.head + b.count - 1 - i) % len(b.logs)
		out = append(out, b.logs[idx])
	}
	return out
}

// Len returns the number of retained entries
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Total returns the lifetime number of appended entries
func (b *LogBuffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
