package gateway

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyphony-chat/chorus/src/structs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvEvent(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before delivery")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesNamedSubscriber(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	_, ch := d.Subscribe(structs.EventNameMessageCreate)

	d.Publish(structs.EventNameMessageCreate, "hello")
	assert.Equal(t, "hello", recvEvent(t, ch))
}

func TestPublishSkipsOtherEventNames(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	_, ch := d.Subscribe(structs.EventNameMessageCreate)

	d.Publish(structs.EventNameReady, "ready")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriberReceivesEverything(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	_, ch := d.Subscribe(EventNameAll)

	d.Publish(structs.EventNameReady, "a")
	d.Publish(structs.EventNameMessageCreate, "b")
	assert.Equal(t, "a", recvEvent(t, ch))
	assert.Equal(t, "b", recvEvent(t, ch))
}

func TestSubscribeOnceDeliversSingleEvent(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	ch := d.SubscribeOnce(structs.EventNameReady)

	d.Publish(structs.EventNameReady, "first")
	assert.Equal(t, "first", recvEvent(t, ch))

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected closed channel after single delivery")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after single delivery")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	id, ch := d.Subscribe(structs.EventNameReady)

	d.Unsubscribe(structs.EventNameReady, id)
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotStallPublish(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	defer d.Close()
	_, slow := d.Subscribe(structs.EventNameMessageCreate)

	// Nothing reads from slow while we publish; Publish must return
	// promptly regardless, and no event may be lost.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			d.Publish(structs.EventNameMessageCreate, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	for i := 0; i < 500; i++ {
		assert.Equal(t, i, recvEvent(t, slow))
	}
}

func TestCloseTearsDownAllSubscribers(t *testing.T) {
	d := NewEventDispatcher(testLogger())
	_, a := d.Subscribe(structs.EventNameReady)
	_, b := d.Subscribe(EventNameAll)

	d.Close()
	for _, ch := range []<-chan any{a, b} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed after dispatcher close")
		}
	}
}
