package bus_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
)

func drain(sub *bus.Subscription) []bus.Event {
	var out []bus.Event
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestBus_RoutesByTopicPrefix(t *testing.T) {
	published := []string{
		bus.TopicCacheTasks,
		bus.TopicCacheLabels,
		bus.TopicQueueChanged,
		bus.TopicAuthStateChanged,
		bus.TopicCycleFinished,
	}
	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "", want: published},
		{prefix: bus.TopicCachePrefix, want: []string{bus.TopicCacheTasks, bus.TopicCacheLabels}},
		{prefix: bus.TopicCacheTasks, want: []string{bus.TopicCacheTasks}},
		{prefix: bus.TopicQueueChanged, want: []string{bus.TopicQueueChanged}},
		{prefix: "sync.", want: []string{bus.TopicCycleFinished}},
	}
	for _, tt := range tests {
		t.Run("prefix="+tt.prefix, func(t *testing.T) {
			b := bus.New()
			sub := b.Subscribe(tt.prefix)
			defer b.Unsubscribe(sub)
			for _, topic := range published {
				b.Publish(topic, nil)
			}
			got := drain(sub)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %v", len(got), tt.want)
			}
			for i, ev := range got {
				if ev.Topic != tt.want[i] {
					t.Fatalf("event %d topic = %q, want %q", i, ev.Topic, tt.want[i])
				}
			}
		})
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicCachePrefix)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(bus.TopicCacheTasks, bus.CacheChangedEvent{Kind: "task", IDs: []int64{int64(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if n := len(drain(sub)); n == 0 || n >= 1000 {
		t.Fatalf("expected a bounded, non-empty backlog, got %d", n)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAuthStateChanged)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(bus.TopicAuthStateChanged, bus.AuthStateChangedEvent{State: "renewing"})
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *bus.Bus
	b.Publish(bus.TopicCycleFinished, bus.CycleFinishedEvent{CycleID: "c1"})
}

func TestQueueChanged_ReplacingAnEditAnnouncesBothActions(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasksync.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sub := b.Subscribe(bus.TopicQueueChanged)
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	edit := func(title string) *persistence.PendingAction {
		t.Helper()
		out, err := store.ReplacePendingForTarget(ctx, persistence.PendingAction{
			EntityType: model.EntityTask,
			EntityID:   42,
			Kind:       "update",
			Payload:    `{"title":"` + title + `"}`,
		}, nil)
		if err != nil {
			t.Fatalf("enqueue %s: %v", title, err)
		}
		return out
	}
	first := edit("A")
	second := edit("B")

	var got []bus.QueueChangedEvent
	for _, ev := range drain(sub) {
		payload, ok := ev.Payload.(bus.QueueChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
		got = append(got, payload)
	}
	want := []bus.QueueChangedEvent{
		{ActionID: first.ID, EntityType: "task", EntityID: 42, Kind: "update", NewStatus: "pending"},
		{ActionID: first.ID, EntityType: "task", EntityID: 42, Kind: "update", OldStatus: "pending"},
		{ActionID: second.ID, EntityType: "task", EntityID: 42, Kind: "update", NewStatus: "pending"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
