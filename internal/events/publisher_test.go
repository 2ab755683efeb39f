package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToPhaseSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("analyze")
	p.Publish(Event{Type: EventPhaseStarted, PhaseID: "analyze", Time: time.Now()})

	select {
	case ev := <-ch:
		assert.Equal(t, EventPhaseStarted, ev.Type)
		assert.Equal(t, "analyze", ev.PhaseID)
	default:
		t.Fatal("expected event on subscriber channel")
	}
}

func TestGlobalSubscriberReceivesAll(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalPhaseID)
	p.Publish(Event{Type: EventPhaseCompleted, PhaseID: "reconcile"})
	p.Publish(Event{Type: EventBudgetRecorded, PhaseID: "analyze"})

	require.Len(t, global, 2)
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	_ = p.Subscribe("plan")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Publish(Event{Type: EventPhaseStarted, PhaseID: "plan"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("ingest")
	p.Unsubscribe("ingest", ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("x")
	p.Close()

	p.Publish(Event{Type: EventPhaseFailed, PhaseID: "x"})
	_, open := <-ch
	assert.False(t, open)
}
