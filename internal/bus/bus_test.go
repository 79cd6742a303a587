package bus

import (
	"testing"
	"time"

	"github.com/seabed/spyglass/internal/store"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicObjectUpdated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicObjectUpdated, ObjectEvent{Kind: store.KindJob, UUID: "j1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicObjectUpdated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicObjectUpdated)
		}
		obj, ok := event.Payload.(ObjectEvent)
		if !ok || obj.UUID != "j1" || obj.Kind != store.KindJob {
			t.Fatalf("payload = %v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	objSub := b.Subscribe("object.")
	defer b.Unsubscribe(objSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicObjectCreated, ObjectEvent{Kind: store.KindTarget, UUID: "t1"})
	b.Publish(TopicVaultLocked, nil)

	// objSub should receive the object event but not the vault one.
	select {
	case event := <-objSub.Ch():
		if event.Topic != TopicObjectCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicObjectCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for object event")
	}
	select {
	case event := <-objSub.Ch():
		t.Fatalf("unexpected event on objSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing else.
	}

	// allSub sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on allSub")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d", got)
	}

	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_SlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskLog, TaskLogEvent{UUID: "t1", Tail: "x"})
	}

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained != defaultBufferSize {
				t.Fatalf("drained %d events, want %d", drained, defaultBufferSize)
			}
			return
		}
	}
}
