package keylock

import (
	"sync"
	"testing"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	t.Parallel()

	l := New()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Lock("chat:1")
			v := counter
			counter = v + 1
			release()
		}()
	}
	wg.Wait()

	if counter != 64 {
		t.Fatalf("counter=%d want=64", counter)
	}
	if n := l.Len(); n != 0 {
		t.Fatalf("expected lock map to drain, got %d", n)
	}
}

func TestLocker_LockAllOrderIndependent(t *testing.T) {
	t.Parallel()

	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release := l.LockAll("op:a", "chat:x")
			release()
		}()
		go func() {
			defer wg.Done()
			release := l.LockAll("chat:x", "op:a", "op:a", "")
			release()
		}()
	}
	wg.Wait()

	if n := l.Len(); n != 0 {
		t.Fatalf("expected lock map to drain, got %d", n)
	}
}

func TestLocker_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l := New()
	release := l.Lock("k")
	release()
	release()

	again := l.Lock("k")
	again()
}
