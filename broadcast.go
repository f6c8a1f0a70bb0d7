// Package discordvoice implements the session coordinator, broadcast sink,
// and gateway liaison that sit on top of the voice gateway and UDP
// transport packages.
//
// Grounded on diamondburned-arikawa's voice/session.go (Join/Leave scope
// semantics, session-set bookkeeping) and on bwmarrin/discordgo's
// VoiceConnection (single-guild case generalised here to a broadcast set).
package discordvoice

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BroadcastState is the coordinator's session set plus the playback mutex.
// The mutex is held for the full duration of a Play call to serialise
// writers across fan-out sinks.
type BroadcastState struct {
	mu       sync.Mutex
	sessions map[string]*SessionDescriptor // guild id -> descriptor
	playback sync.Mutex
}

// NewBroadcastState returns an empty broadcast state.
func NewBroadcastState() *BroadcastState {
	return &BroadcastState{sessions: make(map[string]*SessionDescriptor)}
}

func (b *BroadcastState) add(s *SessionDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.GuildID] = s
}

func (b *BroadcastState) remove(guildID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, guildID)
}

// snapshot returns the currently registered sessions. Sessions added after
// a Play call has started are not retroactively joined to that call's
// in-flight stream — callers must snapshot once, up front.
func (b *BroadcastState) snapshot() []*SessionDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*SessionDescriptor, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// broadcastFrame enqueues a copy of frame into every session's outbound
// UDP queue, one writer goroutine per session, joined before the caller
// proceeds to the next frame. If any session's queue is full the whole
// fan-out stalls — that stall IS the backpressure.
func broadcastFrame(ctx context.Context, frame []byte, sessions []*SessionDescriptor) error {
	if len(sessions) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			cp := append([]byte(nil), frame...)
			select {
			case s.UDPHandle.Outbound <- cp:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
