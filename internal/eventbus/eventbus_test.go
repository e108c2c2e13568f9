package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/model"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := New(4, nil)
	ch, unsubscribe := b.Subscribe("run-1")
	defer unsubscribe()

	b.PublishRunProgress("run-1", 2, 5)

	select {
	case evt := <-ch:
		assert.Equal(t, EventRunProgress, evt.Type)
		assert.Equal(t, RunProgressPayload{Processed: 2, Total: 5}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New(4, nil)
	chA, unsubA := b.Subscribe("run-a")
	defer unsubA()
	chB, unsubB := b.Subscribe("run-b")
	defer unsubB()

	b.PublishRunCompleted("run-a", model.RunSuccess, "ok")

	select {
	case evt := <-chA:
		assert.Equal(t, "run-a", evt.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on run-a")
	}

	select {
	case <-chB:
		t.Fatal("run-b should not have received run-a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOldestWhenSubscriberChannelFull(t *testing.T) {
	b := New(1, nil)
	ch, unsubscribe := b.Subscribe("run-1")
	defer unsubscribe()

	b.PublishRunProgress("run-1", 1, 10)
	b.PublishRunProgress("run-1", 2, 10)

	evt := <-ch
	payload, ok := evt.Payload.(RunProgressPayload)
	require.True(t, ok)
	assert.Equal(t, 2, payload.Processed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4, nil)
	ch, unsubscribe := b.Subscribe("run-1")
	unsubscribe()

	b.PublishRunProgress("run-1", 1, 1)

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishIdentifierUpdatedPrefersDOI(t *testing.T) {
	b := New(4, nil)
	ch, unsubscribe := b.Subscribe("run-1")
	defer unsubscribe()

	b.PublishIdentifierUpdated("run-1", "pub-1", model.Identifiers{DOI: "10.1/x", ArxivID: "2101.00001"})

	evt := <-ch
	payload, ok := evt.Payload.(IdentifierUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "10.1/x", payload.DisplayIdentifier)
}
