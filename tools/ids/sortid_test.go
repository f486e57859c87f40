package ids

import (
	"testing"
	"time"
)

func TestAtEncodesTimestamp(t *testing.T) {
	g := NewGenerator(func() time.Time { return time.UnixMilli(1700000000000) })
	id := g.At(1700000000123)
	ts, ok := Timestamp(id)
	if !ok {
		t.Fatalf("Timestamp(%q) not parseable", id)
	}
	if ts != 1700000000123 {
		t.Fatalf("ts = %d, want 1700000000123", ts)
	}
}

func TestLexicographicOrderFollowsTime(t *testing.T) {
	g := NewGenerator(nil)
	earlier := g.At(1700000000000)
	later := g.At(1700000005000)
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
	// 排在更早时刻的任务，即使后生成也要排在前面
	backdated := g.At(1699999999000)
	if !(backdated < earlier) {
		t.Fatalf("expected %q < %q", backdated, earlier)
	}
}

func TestSameMillisecondNoCollision(t *testing.T) {
	g := NewGenerator(nil)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.At(1700000000000)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNextSortableMonotonic(t *testing.T) {
	prev := NextSortable()
	for i := 0; i < 100; i++ {
		cur := NextSortable()
		if cur <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, cur)
		}
		prev = cur
	}
}
