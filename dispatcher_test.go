package cmdsock

import (
	"testing"
	"time"
)

func TestDispatcher_Order(t *testing.T) {
	d := newDispatcher(newMockLogger())

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.post(func() { got = append(got, i) })
	}
	d.stop()

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatcher to drain")
	}

	if len(got) != 100 {
		t.Fatalf("ran %d notifications, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("notification %d ran as %d", i, v)
		}
	}
}

func TestDispatcher_PostDoesNotBlock(t *testing.T) {
	d := newDispatcher(newMockLogger())
	defer d.stop()

	release := make(chan struct{})
	d.post(func() { <-release })

	posted := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.post(func() {})
		}
		close(posted)
	}()

	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("post blocked behind a slow notification")
	}
	close(release)
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	logger := newMockLogger()
	d := newDispatcher(logger)

	ran := make(chan struct{})
	d.post(func() { panic("boom") })
	d.post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stopped after a panic")
	}
	d.stop()
	<-d.done

	if !logger.has("error", "notification panicked") {
		t.Error("panic was not logged")
	}
}

func TestDispatcher_StopRejectsPosts(t *testing.T) {
	d := newDispatcher(newMockLogger())
	d.stop()
	d.stop()

	if d.post(func() {}) {
		t.Error("post after stop should be rejected")
	}
}
