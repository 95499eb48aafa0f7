package streaming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/swasth-ai/vitalscan/adapters/mock"
	"github.com/swasth-ai/vitalscan/domain"
	"github.com/swasth-ai/vitalscan/domain/entities"
)

type phaseBox struct {
	v atomic.Uint32
}

func newPhaseBox(p entities.ScanPhase) *phaseBox {
	b := &phaseBox{}
	b.set(p)
	return b
}

func (b *phaseBox) set(p entities.ScanPhase) { b.v.Store(uint32(p)) }
func (b *phaseBox) get() entities.ScanPhase  { return entities.ScanPhase(b.v.Load()) }

func openChannel(t testing.TB) *mock.Channel {
	ch := mock.NewChannel()
	require.NoError(t, ch.Open(context.Background()))
	return ch
}

func processed() domain.InboundChannelMessage {
	return domain.InboundChannelMessage{ProcessedFrame: "data:image/jpeg;base64,AAAA"}
}

func TestLoop_SingleOutstanding(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{Interval: 5 * time.Millisecond, AckTimeout: time.Minute},
		mock.NewFrameSource(true), ch, phase.get, nil, zaptest.NewLogger(t))

	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool { return ch.SentCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, ch.SentCount(), "a second frame was sent without acknowledgment")
	assert.Equal(t, 1, ch.MaxInFlight())
	assert.True(t, loop.Outstanding())
	assert.Greater(t, loop.Stats().Skipped[SkipOutstanding], uint64(0))
}

func TestLoop_AcknowledgeResumesStreaming(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{Interval: 2 * time.Millisecond, AckTimeout: time.Minute},
		mock.NewFrameSource(true), ch, phase.get, nil, zaptest.NewLogger(t))

	loop.Start(context.Background())
	defer loop.Stop()

	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool { return ch.SentCount() == i }, time.Second, time.Millisecond)
		ch.Deliver(processed())
		assert.True(t, loop.Acknowledge())
	}

	assert.Equal(t, 1, ch.MaxInFlight())
	assert.Equal(t, uint64(5), loop.Stats().Acknowledged)
	assert.Equal(t, uint64(0), loop.Stats().FailsafeReleases)
}

func TestLoop_FailsafeReleasesWithinOneTick(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseKinematic)
	loop := NewLoop(Config{Interval: time.Hour, AckTimeout: 20 * time.Millisecond},
		mock.NewFrameSource(true), ch, phase.get, nil, zap.NewNop())

	loop.tick()
	require.True(t, loop.Outstanding())
	require.Equal(t, 1, ch.SentCount())

	loop.tick()
	assert.Equal(t, 1, ch.SentCount())

	require.Eventually(t, func() bool { return !loop.Outstanding() }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), loop.Stats().FailsafeReleases)

	// One further tick resumes streaming.
	loop.tick()
	assert.Equal(t, 2, ch.SentCount())
	assert.True(t, loop.Outstanding())

	loop.Stop()
}

func TestLoop_StaleFailsafeDoesNotReleaseLaterFrame(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{Interval: time.Hour, AckTimeout: time.Minute},
		mock.NewFrameSource(true), ch, phase.get, nil, zap.NewNop())

	loop.tick()
	loop.mu.Lock()
	first := loop.generation
	loop.mu.Unlock()

	require.True(t, loop.Acknowledge())
	loop.tick()
	require.True(t, loop.Outstanding())

	loop.release(first)
	assert.True(t, loop.Outstanding(), "failsafe of an acknowledged frame cleared a newer frame")
	assert.Equal(t, uint64(0), loop.Stats().FailsafeReleases)

	loop.Stop()
}

func TestLoop_Gates(t *testing.T) {
	tests := []struct {
		name   string
		phase  entities.ScanPhase
		open   bool
		ready  bool
		reason SkipReason
	}{
		{name: "init phase", phase: entities.PhaseInit, open: true, ready: true, reason: SkipPhase},
		{name: "acoustic phase", phase: entities.PhaseAcoustic, open: true, ready: true, reason: SkipPhase},
		{name: "channel not open", phase: entities.PhaseRespiratory, open: false, ready: true, reason: SkipChannelNotOpen},
		{name: "no frame", phase: entities.PhaseKinematic, open: true, ready: false, reason: SkipNoFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := mock.NewChannel()
			if tt.open {
				require.NoError(t, ch.Open(context.Background()))
			}
			phase := newPhaseBox(tt.phase)
			loop := NewLoop(Config{}, mock.NewFrameSource(tt.ready), ch, phase.get, nil, zap.NewNop())

			loop.tick()

			assert.Equal(t, 0, ch.SentCount())
			assert.False(t, loop.Outstanding())
			assert.Equal(t, uint64(1), loop.Stats().Skipped[tt.reason])
		})
	}
}

func TestLoop_RejectedSendReleasesFlag(t *testing.T) {
	ch := openChannel(t)
	ch.SetSendError(errors.New("buffer full"))
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{}, mock.NewFrameSource(true), ch, phase.get, nil, zap.NewNop())

	loop.tick()

	assert.False(t, loop.Outstanding())
	assert.Equal(t, uint64(1), loop.Stats().Skipped[SkipSendRejected])
	assert.Equal(t, uint64(0), loop.Stats().Sent)
}

func TestLoop_DroppedChannelStopsSends(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{}, mock.NewFrameSource(true), ch, phase.get, nil, zap.NewNop())

	loop.tick()
	loop.Acknowledge()
	ch.Fail()
	loop.tick()

	assert.Equal(t, 1, ch.SentCount())
	assert.Equal(t, uint64(1), loop.Stats().Skipped[SkipChannelNotOpen])
}

func TestLoop_FrameTaggedWithPhase(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	loop := NewLoop(Config{}, mock.NewFrameSource(true), ch, phase.get, nil, zap.NewNop())

	loop.tick()
	loop.Acknowledge()
	phase.set(entities.PhaseKinematic)
	loop.tick()

	sent := ch.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, entities.PhaseRespiratory, sent[0].Phase)
	assert.Equal(t, entities.PhaseKinematic, sent[1].Phase)
	assert.NotEmpty(t, sent[0].FrameData)
}

func TestLoop_StopIsSynchronousAndIdempotent(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	source := mock.NewFrameSource(true)
	loop := NewLoop(Config{Interval: time.Millisecond, AckTimeout: time.Minute}, source, ch, phase.get, nil, zap.NewNop())

	loop.Stop()
	loop.Start(context.Background())
	loop.Start(context.Background())
	require.Eventually(t, func() bool { return ch.SentCount() == 1 }, time.Second, time.Millisecond)

	loop.Stop()
	loop.Stop()

	assert.False(t, loop.Running())
	assert.False(t, loop.Outstanding())

	reads := source.Reads()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, reads, source.Reads(), "loop kept ticking after Stop returned")

	// Restart picks up where it left off.
	ch.Deliver(processed())
	loop.Start(context.Background())
	require.Eventually(t, func() bool { return ch.SentCount() == 2 }, time.Second, time.Millisecond)
	loop.Stop()
}

func TestLoop_ContextCancelStopsTicking(t *testing.T) {
	ch := openChannel(t)
	phase := newPhaseBox(entities.PhaseRespiratory)
	source := mock.NewFrameSource(false)
	loop := NewLoop(Config{Interval: time.Millisecond}, source, ch, phase.get, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	require.Eventually(t, func() bool { return source.Reads() > 0 }, time.Second, time.Millisecond)
	cancel()

	loop.Stop()
	assert.False(t, loop.Running())
}

func TestLoop_AtMostOneOutstandingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ch := mock.NewChannel()
		if err := ch.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
		phase := newPhaseBox(entities.PhaseRespiratory)
		source := mock.NewFrameSource(true)
		loop := NewLoop(Config{Interval: time.Hour, AckTimeout: time.Hour}, source, ch, phase.get, nil, zap.NewNop())
		defer loop.Stop()

		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"tick", "ack", "noframe", "frame", "kinematic"}), 1, 60).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case "tick":
				loop.tick()
			case "ack":
				ch.Deliver(processed())
				loop.Acknowledge()
			case "noframe":
				source.SetReady(false)
			case "frame":
				source.SetReady(true)
			case "kinematic":
				phase.set(entities.PhaseKinematic)
			}

			if ch.MaxInFlight() > 1 {
				t.Fatalf("more than one frame in flight after %q", op)
			}
		}
	})
}
