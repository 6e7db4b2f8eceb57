package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeExactTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicWorkflowStarted)
	defer sub.Unsubscribe()

	b.Publish(TopicWorkflowStarted, "exec-1")
	b.Publish(TopicWorkflowFinished, "exec-1")

	select {
	case evt := <-sub.C:
		require.Equal(t, TopicWorkflowStarted, evt.Topic)
		require.Equal(t, "exec-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected second delivery: %+v", evt)
	default:
	}
}

func TestSubscribeWildcard(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.*")
	defer sub.Unsubscribe()

	b.Publish(TopicAgentRegistered, "agent-1")
	b.Publish(TopicAgentHeartbeat, "agent-1")
	b.Publish(TopicWorkflowStarted, "exec-1")

	var got []Topic
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.C:
			got = append(got, evt.Topic)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	require.ElementsMatch(t, []Topic{TopicAgentRegistered, TopicAgentHeartbeat}, got)

	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected workflow event on agent.* subscriber: %+v", evt)
	default:
	}
}

func TestPublishDropsOldestUnderBackpressure(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicMetricSample)
	defer sub.Unsubscribe()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish(TopicMetricSample, i)
	}

	require.Len(t, sub.C, subscriberBuffer, "buffer should be full, not overflowed")

	var last int
	for i := 0; i < subscriberBuffer; i++ {
		evt := <-sub.C
		last = evt.Payload.(int)
	}
	require.Equal(t, total-1, last, "newest event must survive drop-oldest compaction")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAlertFired)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Unsubscribe()
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.C
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestPublishNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(TopicWorkflowCancelled, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
