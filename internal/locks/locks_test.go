package locks

import (
	"sync"
	"testing"
)

func TestTryAcquireWhileHeld(t *testing.T) {
	r := NewRegistry()

	release := r.Acquire("doc-1")
	if _, ok := r.TryAcquire("doc-1"); ok {
		t.Fatal("TryAcquire succeeded while lock held")
	}
	release()

	release2, ok := r.TryAcquire("doc-1")
	if !ok {
		t.Fatal("TryAcquire failed on free lock")
	}
	release2()
}

func TestDifferentDocumentsDoNotContend(t *testing.T) {
	r := NewRegistry()
	release := r.Acquire("doc-1")
	defer release()

	done := make(chan struct{})
	go func() {
		rel := r.Acquire("doc-2")
		rel()
		close(done)
	}()
	<-done
}

func TestAcquireSerializesOneDocument(t *testing.T) {
	r := NewRegistry()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.Acquire("doc-1")
			defer release()
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("max in flight = %d, want 1", maxInFlight)
	}
}
