package topic

import "testing"

type fakeSubscriber struct {
	id        uint64
	delivered []string
}

func (f *fakeSubscriber) ID() uint64 { return f.id }

func (f *fakeSubscriber) Deliver(topicName, cacheID, payload, originSubject string, requestID any) {
	f.delivered = append(f.delivered, topicName+":"+payload)
}

func TestSubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{id: 1}
	r.SubscribeConnection(sub, "a/b", 1)
	r.SubscribeConnection(sub, "a/b", 1)
	if r.Count() != 1 {
		t.Fatalf("expected one filter entry, got %d", r.Count())
	}
	if len(r.ListFilters(sub)) != 1 {
		t.Fatalf("expected one subscription listed, got %d", len(r.ListFilters(sub)))
	}
}

func TestPublishFansOutToMatchingFilters(t *testing.T) {
	r := NewRegistry()
	subA := &fakeSubscriber{id: 1}
	subB := &fakeSubscriber{id: 2}
	r.SubscribeConnection(subA, "room1/+/sensor1", 1)
	r.SubscribeConnection(subB, "room1/kitchen/sensor1", 1)

	r.Publish("room1/kitchen/sensor1", "1-0", "23.5", "")

	if len(subA.delivered) != 1 || subA.delivered[0] != "room1/kitchen/sensor1:23.5" {
		t.Fatalf("subA did not receive expected delivery: %v", subA.delivered)
	}
	if len(subB.delivered) != 1 {
		t.Fatalf("subB did not receive expected delivery: %v", subB.delivered)
	}
}

func TestPublishDoesNotMatchUnrelatedTopic(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{id: 1}
	r.SubscribeConnection(sub, "topic1/#", 1)

	r.Publish("topic2", "1-0", "payload", "")

	if len(sub.delivered) != 0 {
		t.Fatalf("expected no delivery, got %v", sub.delivered)
	}
}

func TestUnsubscribeAllRemovesEveryFilter(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{id: 1}
	r.SubscribeConnection(sub, "a", 1)
	r.SubscribeConnection(sub, "b/#", 1)
	r.SubscribeConnection(sub, "c/+", 1)

	removed := r.UnsubscribeAll(sub)
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d filters", r.Count())
	}
}

func TestUnsubscribeDeletesEmptyTopic(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{id: 1}
	r.SubscribeConnection(sub, "a/b", 1)
	r.Unsubscribe(sub, "a/b")
	if r.Count() != 0 {
		t.Fatalf("expected topic to be deleted, got %d filters remaining", r.Count())
	}
}
