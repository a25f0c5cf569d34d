package util

import (
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests basic push and consume functionality
func TestBasicOperations(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if val != i {
				t.Errorf("Expected %d, got %v", i, val)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestPerProducerOrder verifies that every producer's items arrive in push order
func TestPerProducerOrder(t *testing.T) {
	q := NewQueue[[2]int]()

	const numProducers = 8
	const itemsPerProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}

	done := make(chan struct{})
	last := make([]int, numProducers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	go func() {
		defer close(done)
		for v := range q.Recv() {
			if v[1] != last[v[0]]+1 {
				t.Errorf("producer %d: expected %d, got %d", v[0], last[v[0]]+1, v[1])
			}
			last[v[0]] = v[1]
			received++
		}
	}()

	wg.Wait()
	q.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}
	if received != numProducers*itemsPerProducer {
		t.Errorf("Expected %d items, got %d", numProducers*itemsPerProducer, received)
	}
}

// TestCloseDrains verifies that items pushed before Close are still delivered
func TestCloseDrains(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Error("Push must fail on a closed queue")
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}
