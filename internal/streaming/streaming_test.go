package streaming

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/airouter/internal/domain"
)

type fakeSource struct {
	ch  chan domain.Chunk
	err error
}

func newFakeSource(chunks ...domain.Chunk) *fakeSource {
	ch := make(chan domain.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &fakeSource{ch: ch}
}

func (f *fakeSource) Chunks() <-chan domain.Chunk { return f.ch }
func (f *fakeSource) Err() error                  { return f.err }
func (f *fakeSource) Close()                      {}

func waitForEvent(t *testing.T, sub *Subscriber, want EventType) Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		if evt.Type != want {
			t.Fatalf("got event type %s, want %s", evt.Type, want)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %s", want)
	}
	return Event{}
}

func TestDispatch_RelaysChunksToSubscriber(t *testing.T) {
	d := New(nil)
	source := newFakeSource(
		domain.Chunk{Content: "hello", Tokens: 1},
		domain.Chunk{Content: " world", Tokens: 1, Done: true},
	)

	outcome := d.Dispatch(context.Background(), "req-1", source, 7)

	sub, ok := d.Subscribe("req-1")
	if !ok {
		t.Fatalf("expected session req-1 to exist")
	}

	first := waitForEvent(t, sub, EventChunk)
	if first.Chunk.Content != "hello" {
		t.Fatalf("unexpected first chunk: %+v", first.Chunk)
	}
	second := waitForEvent(t, sub, EventChunk)
	if !second.Chunk.Done {
		t.Fatalf("expected second chunk to be terminal")
	}
	waitForEvent(t, sub, EventTerminal)

	select {
	case o := <-outcome:
		if o.Err != nil {
			t.Fatalf("unexpected outcome error: %v", o.Err)
		}
		if o.Usage.Total != 2 {
			t.Fatalf("expected total usage 2, got %d", o.Usage.Total)
		}
		if o.Usage.Input != 7 {
			t.Fatalf("expected input usage 7 from the estimated-token hint, got %d", o.Usage.Input)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestDispatch_PropagatesSourceError(t *testing.T) {
	d := New(nil)
	source := newFakeSource()
	source.err = errors.New("upstream failed")

	outcome := d.Dispatch(context.Background(), "req-2", source, 0)

	select {
	case o := <-outcome:
		if o.Err == nil || o.Err.Error() != "upstream failed" {
			t.Fatalf("expected propagated error, got %v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSubscribe_UnknownStreamReturnsFalse(t *testing.T) {
	d := New(nil)
	if _, ok := d.Subscribe("does-not-exist"); ok {
		t.Fatal("expected Subscribe to report no session")
	}
}

func TestSubscribe_RebindsWithinGraceWindowAfterCompletion(t *testing.T) {
	d := New(nil)
	source := newFakeSource(domain.Chunk{Content: "done", Tokens: 1, Done: true})
	d.Dispatch(context.Background(), "req-3", source, 0)

	time.Sleep(20 * time.Millisecond)

	if _, ok := d.Subscribe("req-3"); !ok {
		t.Fatal("expected session to still be bindable within the grace window")
	}
}

func TestCompressChunk_NormalizesWhitespaceAboveThreshold(t *testing.T) {
	content := strings.Repeat("a   b\n\t", 200)
	c := compressChunk(domain.Chunk{Content: content})
	if strings.Contains(c.Content, "\n") || strings.Contains(c.Content, "\t") {
		t.Fatalf("expected whitespace normalized, got %q", c.Content[:40])
	}
}

func TestCompressChunk_LeavesSmallChunksUntouched(t *testing.T) {
	c := compressChunk(domain.Chunk{Content: "short\tcontent"})
	if c.Content != "short\tcontent" {
		t.Fatalf("expected small chunk untouched, got %q", c.Content)
	}
}

func TestSubscriber_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	d := New(nil)
	chunks := make([]domain.Chunk, 0, subscriberQueueSize+5)
	for i := 0; i < subscriberQueueSize+5; i++ {
		chunks = append(chunks, domain.Chunk{Content: "x", Tokens: 1})
	}
	chunks = append(chunks, domain.Chunk{Content: "last", Tokens: 1, Done: true})
	source := newFakeSource(chunks...)

	outcome := d.Dispatch(context.Background(), "req-4", source, 0)

	slow, ok := d.Subscribe("req-4")
	if !ok {
		t.Fatalf("expected session req-4 to exist")
	}
	fast, ok := d.Subscribe("req-4")
	if !ok {
		t.Fatalf("expected session req-4 to exist")
	}

	drained := 0
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-fast.Events():
			drained++
			if drained >= len(chunks)+1 {
				break loop
			}
		case <-deadline:
			t.Fatal("fast subscriber starved by slow one")
		}
	}

	select {
	case <-outcome:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	_ = slow
}
