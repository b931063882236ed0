package service

import (
	"fmt"
	"testing"
	"time"

	"tradeassist/gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func logEntry(i int) model.TradeLog {
	return model.TradeLog{
		ID:        fmt.Sprintf("log-%d", i),
		Timestamp: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		Level:     model.LogLevelInfo,
		Message:   fmt.Sprintf("order %d filled", i),
	}
}

func TestLogBufferRecentNewestFirst(t *testing.T) {
	b := NewLogBuffer(10)
	for i := 0; i < 4; i++ {
		b.Append(logEntry(i))
	}

	recent := b.Recent(0)
	require.Len(t, recent, 4)
	assert.Equal(t, "log-3", recent[0].ID)
	assert.Equal(t, "log-0", recent[3].ID)
}

func TestLogBufferEvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(logEntry(i))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(5), b.Total())

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "log-4", recent[0].ID)
	assert.Equal(t, "log-2", recent[2].ID, "entries 0 and 1 must have been evicted")
}

func TestLogBufferRecentLimit(t *testing.T) {
	b := NewLogBuffer(10)
	for i := 0; i < 6; i++ {
		b.Append(logEntry(i))
	}

	recent := b.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "log-5", recent[0].ID)
	assert.Equal(t, "log-4", recent[1].ID)

	assert.Len(t, b.Recent(100), 6, "limit beyond retention returns everything")
}

func TestLogBufferZeroSizeUsesDefault(t *testing.T) {
	b := NewLogBuffer(0)
	b.Append(logEntry(1))
	assert.Equal(t, 1, b.Len())
}

func TestLogBufferRetainsLastN(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 16).Draw(t, "size")
		n := rapid.IntRange(0, 100).Draw(t, "appends")

		b := NewLogBuffer(size)
		for i := 0; i < n; i++ {
			b.Append(logEntry(i))
		}

		want := n
		if want > size {
			want = size
		}
		recent := b.Recent(0)
		if len(recent) != want {
			t.Fatalf("retained %d entries, want %d", len(recent), want)
		}
		for i, entry := range recent {
			wantID := fmt.Sprintf("log-%d", n-1-i)
			if entry.ID != wantID {
				t.Fatalf("position %d holds %s, want %s", i, entry.ID, wantID)
			}
		}
	})
}
