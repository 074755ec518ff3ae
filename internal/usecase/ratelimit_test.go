package usecase

import (
	"errors"
	"sync"
	"testing"
	"time"

	"conductor-ai/internal/domain"
)

func TestRateLimiterSixteenthShellCallRejected(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(map[string]Limit{"shell": {Count: 15, Window: time.Minute}})
	rl.now = func() time.Time { return now }

	for i := 0; i < 15; i++ {
		if err := rl.Admit("A", "shell"); err != nil {
			t.Fatalf("call %d should be admitted: %v", i+1, err)
		}
		now = now.Add(time.Second)
	}
	err := rl.Admit("A", "shell")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("16th call: expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{
		"shell":            {Count: 1, Window: time.Minute},
		DefaultActionClass: {Count: 1, Window: time.Minute},
	})

	if err := rl.Admit("A", "shell"); err != nil {
		t.Fatal(err)
	}
	if err := rl.Admit("B", "shell"); err != nil {
		t.Errorf("other actor should be admitted: %v", err)
	}
	if err := rl.Admit("A", "task"); err != nil {
		t.Errorf("other class should be admitted: %v", err)
	}
	if err := rl.Admit("A", "task"); !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("default class limit should apply, got %v", err)
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(map[string]Limit{"task": {Count: 2, Window: time.Minute}})
	rl.now = func() time.Time { return now }

	rl.Admit("A", "task")
	rl.Admit("A", "task")

	now = now.Add(61 * time.Second)
	if err := rl.Admit("A", "task"); err != nil {
		t.Fatalf("call should be admitted after window expires: %v", err)
	}
}

func TestRateLimiterUnlimitedClass(t *testing.T) {
	rl := NewRateLimiter(nil)
	for i := 0; i < 100; i++ {
		if err := rl.Admit("A", "anything"); err != nil {
			t.Fatalf("unconfigured class should be admitted: %v", err)
		}
	}
}

func TestRateLimiterStatus(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(map[string]Limit{"shell": {Count: 2, Window: time.Minute}})
	rl.now = func() time.Time { return now }

	rl.Admit("A", "shell")
	now = now.Add(10 * time.Second)
	rl.Admit("A", "shell")

	st := rl.Status("A", "shell")
	if st.Used != 2 || st.Limit != 2 {
		t.Errorf("status = %+v, want used=2 limit=2", st)
	}
	if st.ResetIn != 50*time.Second {
		t.Errorf("ResetIn = %v, want 50s", st.ResetIn)
	}
	if got := rl.Status("B", "shell").Used; got != 0 {
		t.Errorf("unused actor Used = %d, want 0", got)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(map[string]Limit{"task": {Count: 5, Window: time.Minute}})
	rl.now = func() time.Time { return now }

	rl.Admit("old", "task")
	now = now.Add(90 * time.Second)
	rl.Admit("recent", "task")

	// "old" last call is 90s ago: inside 2x window, kept.
	if n := rl.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d, want 0", n)
	}

	now = now.Add(40 * time.Second)
	// "old" last call is now 130s ago, beyond 2x window.
	if n := rl.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if rl.Len() != 1 {
		t.Errorf("Len = %d, want 1", rl.Len())
	}
}

func TestRateLimiterConcurrentAdmit(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"task": {Count: 50, Window: time.Minute}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Admit("A", "task") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("admitted = %d, want exactly 50", admitted)
	}
}
