package process

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestChunkBufferAppendBlocksPastCap(t *testing.T) {
	b := newChunkBuffer()
	b.addProducer()

	big := make([]byte, maxChunkBufferSize)
	b.append(Stdout, big)

	done := make(chan struct{})
	go func() {
		b.append(Stdout, []byte("overflow"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("append did not block once the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx := context.Background()
	if _, _, ok := b.next(ctx, 0); !ok {
		t.Fatal("next: expected first chunk")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("append stayed blocked after the reader freed room")
	}
}

func TestChunkBufferDrainingUnblocksAppend(t *testing.T) {
	b := newChunkBuffer()
	b.addProducer()

	big := make([]byte, maxChunkBufferSize)
	b.append(Stdout, big)

	done := make(chan struct{})
	go func() {
		b.append(Stdout, []byte("overflow"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("append did not block once the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	b.startDraining()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("append stayed blocked after startDraining")
	}
}

func TestChunkBufferOrderingAcrossProducers(t *testing.T) {
	b := newChunkBuffer()
	b.addProducer()
	b.addProducer()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.append(Stdout, []byte("a"))
		b.doneProducer()
	}()
	go func() {
		defer wg.Done()
		b.append(Stderr, []byte("b"))
		b.doneProducer()
	}()
	wg.Wait()

	ctx := context.Background()
	seen := map[StreamTag]bool{}
	idx := 0
	for {
		c, next, ok := b.next(ctx, idx)
		if !ok {
			break
		}
		seen[c.Tag] = true
		idx = next
	}
	if !seen[Stdout] || !seen[Stderr] {
		t.Fatalf("expected chunks from both producers, got %v", seen)
	}
}
