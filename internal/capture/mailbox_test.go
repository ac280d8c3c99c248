package capture

import (
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func testKeyframe(seq uint64) *Keyframe {
	return &Keyframe{
		Frame: Frame{
			Mat:       gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3),
			Seq:       seq,
			Timestamp: time.Now(),
		},
	}
}

func TestMailboxOverwriteCountsDrop(t *testing.T) {
	mb := NewMailbox()
	defer mb.Close()

	mb.Publish(testKeyframe(0))
	mb.Publish(testKeyframe(1))
	mb.Publish(testKeyframe(2))

	kf := mb.Take()
	if kf == nil {
		t.Fatal("expected a keyframe")
	}
	defer kf.Close()

	if kf.Seq != 2 {
		t.Fatalf("got seq %d, want latest (2)", kf.Seq)
	}
	if mb.Drops() != 2 {
		t.Fatalf("drops = %d, want 2", mb.Drops())
	}
}

func TestMailboxTakeBlocksUntilPublish(t *testing.T) {
	mb := NewMailbox()
	defer mb.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Keyframe
	go func() {
		defer wg.Done()
		got = mb.Take()
	}()

	time.Sleep(20 * time.Millisecond)
	mb.Publish(testKeyframe(5))
	wg.Wait()

	if got == nil || got.Seq != 5 {
		t.Fatalf("got %+v", got)
	}
	got.Close()
}

func TestMailboxCloseDrainsThenReturnsNil(t *testing.T) {
	mb := NewMailbox()

	mb.Publish(testKeyframe(3))
	mb.Close()

	// The pending keyframe stays takeable after close.
	kf := mb.Take()
	if kf == nil || kf.Seq != 3 {
		t.Fatalf("got %+v, want seq 3", kf)
	}
	kf.Close()

	if kf := mb.Take(); kf != nil {
		t.Fatalf("drained mailbox returned %+v", kf)
	}

	// Publishes after close are discarded without blocking.
	mb.Publish(testKeyframe(4))
	if kf := mb.Take(); kf != nil {
		t.Fatalf("post-close publish leaked %+v", kf)
	}
}
