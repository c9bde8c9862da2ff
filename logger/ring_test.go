package logger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(level, msg string) Entry {
	return Entry{Time: time.Now(), Level: level, Message: msg}
}

func TestRingKeepsNewestWhenFull(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 12; i++ {
		r.append(entry("info", fmt.Sprintf("msg-%d", i)))
	}

	assert.Equal(t, 5, r.Len())
	got := r.Entries(0, "", "")
	require.Len(t, got, 5)
	assert.Equal(t, "msg-7", got[0].Message)
	assert.Equal(t, "msg-11", got[4].Message)
}

func TestRingLimitReturnsNewest(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.append(entry("info", fmt.Sprintf("msg-%d", i)))
	}

	got := r.Entries(2, "", "")
	require.Len(t, got, 2)
	assert.Equal(t, "msg-4", got[0].Message)
	assert.Equal(t, "msg-5", got[1].Message)
}

func TestRingLevelFilter(t *testing.T) {
	r := NewRing(10)
	r.append(entry("debug", "noise"))
	r.append(entry("info", "normal"))
	r.append(entry("warn", "careful"))
	r.append(entry("error", "broken"))

	got := r.Entries(0, "warn", "")
	require.Len(t, got, 2)
	assert.Equal(t, "careful", got[0].Message)
	assert.Equal(t, "broken", got[1].Message)
}

func TestRingContainsFilter(t *testing.T) {
	r := NewRing(10)
	r.append(entry("info", "task demo started"))
	r.append(entry("info", "heartbeat sent"))
	r.append(entry("info", "task DEMO completed"))

	got := r.Entries(0, "", "demo")
	require.Len(t, got, 2)
}

func TestRingNotify(t *testing.T) {
	r := NewRing(4)
	var seen []string
	r.SetNotify(func(e Entry) { seen = append(seen, e.Message) })

	r.append(entry("info", "one"))
	r.append(entry("info", "two"))

	assert.Equal(t, []string{"one", "two"}, seen)
}

func TestLevelRankOrdering(t *testing.T) {
	assert.Less(t, levelRank("debug"), levelRank("info"))
	assert.Less(t, levelRank("info"), levelRank("warn"))
	assert.Less(t, levelRank("warn"), levelRank("error"))
	assert.Equal(t, levelRank("warn"), levelRank("warning"))
}
