package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func TestBridgeDeliversInPublishOrder(t *testing.T) {
	b := NewBridge("s1", 64, time.Second)
	defer b.Close()

	a := newFakeObserver("a", "")
	c := newFakeObserver("c", "")
	b.Attach(a)
	b.Attach(c)

	for i := 1; i <= 20; i++ {
		b.Publish(models.StepStartedEvent{Step: models.StepRef{ID: i, Label: fmt.Sprintf("step %d", i)}})
	}

	for _, obs := range []*fakeObserver{a, c} {
		events := waitForEvents(t, obs, 20)
		for i, ev := range events {
			started, ok := ev.(models.StepStartedEvent)
			require.True(t, ok)
			assert.Equal(t, i+1, started.Step.ID)
		}
	}
}

func TestBridgePublishWithoutObserversDoesNotBlock(t *testing.T) {
	b := NewBridge("s1", 1, time.Second)
	defer b.Close()

	start := time.Now()
	for i := 0; i < 100; i++ {
		b.Publish(models.LogEvent{Level: models.LogInfo, Message: "hello"})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBridgePublishTimesOutUnderBackpressure(t *testing.T) {
	b := NewBridge("s1", 1, 50*time.Millisecond)

	slow := newFakeObserver("slow", "")
	slow.block = make(chan struct{})
	b.Attach(slow)

	// The first event occupies the fan-out goroutine, the second fills the
	// queue, the third has nowhere to go.
	b.Publish(models.LogEvent{Message: "1"})
	time.Sleep(20 * time.Millisecond)
	b.Publish(models.LogEvent{Message: "2"})

	start := time.Now()
	b.Publish(models.LogEvent{Message: "3"})
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	close(slow.block)
	b.Close()

	var messages []string
	for _, ev := range slow.Events() {
		messages = append(messages, ev.(models.LogEvent).Message)
	}
	assert.Equal(t, []string{"1", "2"}, messages)
}

func TestBridgeFramesLastWins(t *testing.T) {
	b := NewBridge("s1", 8, time.Second)

	slow := newFakeObserver("slow", "")
	slow.block = make(chan struct{})
	b.Attach(slow)

	b.Publish(models.FrameEvent{Data: "f0"})
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	for i := 1; i < 100; i++ {
		b.Publish(models.FrameEvent{Data: fmt.Sprintf("f%d", i)})
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond, "frame publish must never block")

	close(slow.block)
	events := waitForEvents(t, slow, 2)
	b.Close()

	assert.LessOrEqual(t, len(events), 2)
	assert.Equal(t, "f0", events[0].(models.FrameEvent).Data)
	assert.Equal(t, "f99", events[len(events)-1].(models.FrameEvent).Data)
}

func TestBridgeCloseFlushesQueuedEvents(t *testing.T) {
	b := NewBridge("s1", 64, time.Second)
	obs := newFakeObserver("o", "")
	b.Attach(obs)

	for i := 1; i <= 10; i++ {
		b.Publish(models.StepCompletedEvent{ID: i})
	}
	b.Publish(models.FinalEvent{Result: models.Result{Success: true, Phase: models.PhaseComplete}})
	b.Close()

	events := obs.Events()
	require.Len(t, events, 11)
	assert.Equal(t, models.KindFinal, events[10].Kind())

	// Publishing after close is a silent no-op.
	b.Publish(models.LogEvent{Message: "late"})
	assert.Len(t, obs.Events(), 11)
}

func TestBridgeSnapshotIsolation(t *testing.T) {
	b := NewBridge("s1", 8, time.Second)
	defer b.Close()

	b.Attach(newFakeObserver("a", "k1"))
	b.Attach(newFakeObserver("b", ""))

	snap := b.Snapshot()
	require.Len(t, snap, 2)

	assert.True(t, b.Detach("a"))
	assert.False(t, b.Detach("a"))
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, b.Count())
	assert.Nil(t, b.ByKey("k1"))
	assert.Nil(t, b.ByKey(""))
}

func TestOutboxEvictsFramesBeforeTimelineEvents(t *testing.T) {
	o := NewOutbox(3)

	require.True(t, o.Offer(models.StatusEvent{Phase: models.PhaseRunning}))
	require.True(t, o.Offer(models.FrameEvent{Data: "f1"}))
	require.True(t, o.Offer(models.FrameEvent{Data: "f2"}))

	assert.True(t, o.Offer(models.LogEvent{Message: "clicked"}))
	assert.True(t, o.Offer(models.LogEvent{Message: "typed"}))

	select {
	case <-o.Ready():
	default:
		t.Fatal("outbox not signalled")
	}
	queued := o.Drain()
	require.Len(t, queued, 3)
	assert.Equal(t, models.StatusEvent{Phase: models.PhaseRunning}, queued[0])
	assert.Equal(t, "clicked", queued[1].(models.LogEvent).Message)
	assert.Equal(t, "typed", queued[2].(models.LogEvent).Message)
	assert.Nil(t, o.Drain())
}

func TestBridgeRefusesAttachAfterClose(t *testing.T) {
	b := NewBridge("s1", 8, time.Second)
	assert.True(t, b.Attach(newFakeObserver("a", "")))

	b.Close()
	assert.False(t, b.Attach(newFakeObserver("b", "")))
	assert.Equal(t, 1, b.Count())
}

func TestOutboxFrameDropAndPriorityEviction(t *testing.T) {
	o := NewOutbox(2)

	assert.True(t, o.Offer(models.LogEvent{Message: "a"}))
	assert.True(t, o.Offer(models.LogEvent{Message: "b"}))

	assert.False(t, o.Offer(models.FrameEvent{Data: "x"}), "frames are dropped when full")

	assert.True(t, o.Offer(models.StatusEvent{Phase: models.PhasePaused}), "status evicts the oldest")

	queued := o.Drain()
	require.Len(t, queued, 2)
	assert.Equal(t, "b", queued[0].(models.LogEvent).Message)
	assert.Equal(t, models.KindStatus, queued[1].Kind())

	o.Close()
	o.Close()
	assert.False(t, o.Offer(models.LogEvent{Message: "late"}))
}
