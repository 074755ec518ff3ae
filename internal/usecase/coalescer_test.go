package usecase

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu    sync.Mutex
	parts []string
}

func (r *flushRecorder) flush(s string) {
	r.mu.Lock()
	r.parts = append(r.parts, s)
	r.mu.Unlock()
}

func (r *flushRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.parts...)
}

func TestCoalescerMergesWithinInterval(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(time.Hour, 1000, rec.flush)

	c.Write("a")
	c.Write("b")
	c.Write("c")
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushed early: %v", got)
	}

	c.Close()
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "abc" {
		t.Fatalf("flushes = %v, want [abc]", got)
	}
}

func TestCoalescerFlushesOnSize(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(time.Hour, 4, rec.flush)

	c.Write("ab")
	c.Write("cd") // reaches 4 bytes
	c.Write("e")
	c.Close()

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "abcd" || got[1] != "e" {
		t.Fatalf("flushes = %v, want [abcd e]", got)
	}
}

func TestCoalescerFlushesOnTimer(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(20*time.Millisecond, 1000, rec.flush)
	defer c.Close()

	c.Write("tick")
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.snapshot(); got[0] != "tick" {
		t.Errorf("flush = %q, want tick", got[0])
	}
}

func TestCoalescerPreservesOrderAndNeverDrops(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(time.Millisecond, 7, rec.flush)

	var want strings.Builder
	for i := 0; i < 500; i++ {
		s := string(rune('a' + i%26))
		want.WriteString(s)
		c.Write(s)
		if i%50 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	c.Close()

	if got := strings.Join(rec.snapshot(), ""); got != want.String() {
		t.Fatalf("concatenated flushes differ from input:\n got %q\nwant %q", got, want.String())
	}
}

func TestCoalescerCloseIdempotentAndDropsLateWrites(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(time.Hour, 100, rec.flush)
	c.Write("x")
	c.Close()
	c.Close()
	c.Write("late")
	c.Close()

	if got := rec.snapshot(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("flushes = %v, want [x]", got)
	}
}

func TestCoalescerIgnoresStaleTimer(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(time.Hour, 4, rec.flush)

	c.Write("ab")
	c.mu.Lock()
	armed := c.gen
	c.mu.Unlock()

	c.Write("cd") // size flush disarms the timer armed above
	c.Write("e")  // arms a fresh timer

	// The first timer's callback fires late, after its timer was disarmed.
	c.onTimer(armed)
	if got := rec.snapshot(); len(got) != 1 || got[0] != "abcd" {
		t.Fatalf("flushes = %v, want [abcd]", got)
	}

	c.mu.Lock()
	current := c.gen
	c.mu.Unlock()
	c.onTimer(current)
	if got := rec.snapshot(); len(got) != 2 || got[1] != "e" {
		t.Fatalf("flushes = %v, want [abcd e]", got)
	}
	c.Close()
}
