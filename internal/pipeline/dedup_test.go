package pipeline

import (
	"testing"
	"time"
)

func TestDeduper_SecondWithinWindowIsDuplicate(t *testing.T) {
	d := newDeduper(5*time.Second, 100)
	if d.Seen("a") {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting within window should be a duplicate")
	}
}

func TestDeduper_AfterWindowNotDuplicate(t *testing.T) {
	d := newDeduper(20*time.Millisecond, 100)
	if d.Seen("a") {
		t.Fatal("first sighting should not be a duplicate")
	}
	time.Sleep(40 * time.Millisecond)
	if d.Seen("a") {
		t.Fatal("sighting after window elapsed should not be a duplicate")
	}
}

func TestDeduper_EvictsOverBound(t *testing.T) {
	d := newDeduper(time.Nanosecond, 5)
	for i := 0; i < 50; i++ {
		d.Seen(string(rune('a' + i%26)))
	}
	if d.Len() > 5 {
		t.Errorf("Len() = %d, want <= 5 after eviction", d.Len())
	}
}
