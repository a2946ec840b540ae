package streammux

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeOrderingAndTerminal(t *testing.T) {
	ctx := context.Background()
	m := New("exec-1", 1024)

	ch, cancel := m.Subscribe(ctx, 0)
	defer cancel()

	m.Publish(ctx, Frame{Kind: KindStatus, Status: StatusQueued})
	m.Publish(ctx, Frame{Kind: KindStdout, Payload: []byte("ok\n")})
	m.Publish(ctx, Frame{Kind: KindStatus, Status: StatusCompleted})

	var got []Frame
	for f := range ch {
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	if got[0].Status != StatusQueued || got[1].Kind != KindStdout || got[2].Status != StatusCompleted {
		t.Fatalf("unexpected frame sequence: %+v", got)
	}
	for i, f := range got {
		if int(f.Seq) != i {
			t.Fatalf("expected seq %d, got %d", i, f.Seq)
		}
	}
}

func TestSubscribeReplaysFromSeq(t *testing.T) {
	ctx := context.Background()
	m := New("exec-2", 1024)

	m.Publish(ctx, Frame{Kind: KindStdout, Payload: []byte("a")})
	m.Publish(ctx, Frame{Kind: KindStdout, Payload: []byte("b")})

	// give the actor a moment to apply both publishes before subscribing
	time.Sleep(10 * time.Millisecond)

	ch, cancel := m.Subscribe(ctx, 1)
	defer cancel()

	m.Publish(ctx, Frame{Kind: KindStatus, Status: StatusCompleted})

	var got []Frame
	for f := range ch {
		got = append(got, f)
	}
	if len(got) != 2 {
		t.Fatalf("expected replay-from-seq-1 plus terminal, got %d: %+v", len(got), got)
	}
	if string(got[0].Payload) != "b" {
		t.Fatalf("expected replay to start at seq 1 (\"b\"), got %q", got[0].Payload)
	}
}

func TestMultipleSubscribersSeeSameOrder(t *testing.T) {
	ctx := context.Background()
	m := New("exec-3", 1024)

	ch1, cancel1 := m.Subscribe(ctx, 0)
	defer cancel1()
	ch2, cancel2 := m.Subscribe(ctx, 0)
	defer cancel2()

	m.Publish(ctx, Frame{Kind: KindStdout, Payload: []byte("x")})
	m.Publish(ctx, Frame{Kind: KindStatus, Status: StatusCompleted})

	var got1, got2 []Frame
	for f := range ch1 {
		got1 = append(got1, f)
	}
	for f := range ch2 {
		got2 = append(got2, f)
	}
	if len(got1) != len(got2) {
		t.Fatalf("subscribers saw different frame counts: %d vs %d", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i].Seq != got2[i].Seq || got1[i].Kind != got2[i].Kind {
			t.Fatalf("subscribers diverged at index %d: %+v vs %+v", i, got1[i], got2[i])
		}
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	ctx := context.Background()
	m := New("exec-4", 1024)
	m.Close()

	ch, cancel := m.Subscribe(ctx, 0)
	defer cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after Close")
	}
}
