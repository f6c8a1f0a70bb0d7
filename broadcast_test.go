package discordvoice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwmarrin/discordvoice/gateway"
	"github.com/bwmarrin/discordvoice/udptransport"
)

func newTestSession(guildID string) *SessionDescriptor {
	return &SessionDescriptor{
		GuildID:   guildID,
		WSHandle:  gateway.NewHandle(),
		UDPHandle: udptransport.NewHandle(),
		cancel:    func() {},
	}
}

func TestBroadcastFrameFanOut(t *testing.T) {
	a := newTestSession("g1")
	b := newTestSession("g2")

	err := broadcastFrame(context.Background(), []byte("frame"), []*SessionDescriptor{a, b})
	require.NoError(t, err)

	select {
	case f := <-a.UDPHandle.Outbound:
		assert.Equal(t, []byte("frame"), f)
	default:
		t.Fatal("session a never received the frame")
	}
	select {
	case f := <-b.UDPHandle.Outbound:
		assert.Equal(t, []byte("frame"), f)
	default:
		t.Fatal("session b never received the frame")
	}
}

func TestBroadcastFrameStallsOnFullQueue(t *testing.T) {
	s := newTestSession("g1")
	// Fill the bounded queue to capacity.
	for i := 0; i < udptransport.OutboundQueueCapacity; i++ {
		s.UDPHandle.Outbound <- []byte("x")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := broadcastFrame(ctx, []byte("y"), []*SessionDescriptor{s})
	assert.Error(t, err, "fan-out must stall (and report the deadline) when a session's queue is full")
}

func TestBroadcastFrameNewJoinerNotRetroactive(t *testing.T) {
	state := NewBroadcastState()
	a := newTestSession("g1")
	state.add(a)

	snapshot := state.snapshot()

	b := newTestSession("g2")
	state.add(b) // joins after the snapshot was taken

	require.NoError(t, broadcastFrame(context.Background(), []byte("frame"), snapshot))

	select {
	case <-b.UDPHandle.Outbound:
		t.Fatal("session joined after snapshot must not receive the in-flight frame")
	default:
	}
}
