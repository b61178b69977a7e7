package ids

import (
	"testing"
	"time"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("unexpected length %d", len(id))
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s after %s", id, prev)
		}
		prev = id
	}

	got, err := Time(prev)
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("embedded time %v want %v", got, now)
	}
}

func TestTime_RejectsGarbage(t *testing.T) {
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatalf("expected parse error")
	}
}
