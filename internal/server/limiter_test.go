package server

import (
	"sync"
	"testing"
)

func TestLimiterAcquireRelease(t *testing.T) {
	l := NewConnectionLimiter(2)

	if !l.TryAcquire() {
		t.Fatal("first TryAcquire() = false")
	}
	if !l.TryAcquire() {
		t.Fatal("second TryAcquire() = false")
	}
	if l.TryAcquire() {
		t.Fatal("TryAcquire() over capacity = true")
	}
	if l.Current() != 2 {
		t.Errorf("Current() = %d, want 2", l.Current())
	}

	l.Release()
	if !l.TryAcquire() {
		t.Error("TryAcquire() after Release() = false")
	}
}

func TestLimiterConcurrent(t *testing.T) {
	const max = 10
	l := NewConnectionLimiter(max)

	var wg sync.WaitGroup
	acquired := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired <- l.TryAcquire()
		}()
	}
	wg.Wait()
	close(acquired)

	var count int
	for ok := range acquired {
		if ok {
			count++
		}
	}
	if count != max {
		t.Errorf("acquired %d slots, want %d", count, max)
	}
	if l.Current() != max {
		t.Errorf("Current() = %d, want %d", l.Current(), max)
	}
}
