package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_QueueFamilySharesPrefix(t *testing.T) {
	for _, topic := range []string{TopicProcessingStatus, TopicItemProcessed, TopicItemFailed, TopicItemReleased} {
		if !strings.HasPrefix(topic, "queue.") {
			t.Fatalf("topic %q outside queue family", topic)
		}
	}
}

func TestBus_ProcessingStatusPayload(t *testing.T) {
	b := New()
	sub := b.Subscribe("queue.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicProcessingStatus, ProcessingStatus{IsProcessing: true, QueueDepth: 3, ActiveSessions: 1})

	select {
	case ev := <-sub.Ch():
		st, ok := ev.Payload.(ProcessingStatus)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if !st.IsProcessing || st.QueueDepth != 3 || st.ActiveSessions != 1 {
			t.Fatalf("unexpected status %+v", st)
		}
		if ev.At.IsZero() {
			t.Fatalf("event timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status")
	}
}
