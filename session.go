package discordvoice

import (
	"context"

	"github.com/google/uuid"

	"github.com/bwmarrin/discordvoice/gateway"
	"github.com/bwmarrin/discordvoice/udptransport"
)

// SessionDescriptor is one active voice session. It is created only after
// a full handshake through Session Description, and lives until the
// coordinator scope exits. SSRC is set exactly once and immutable for the
// session's lifetime thereafter.
type SessionDescriptor struct {
	// ID is an opaque handle id used only for log correlation across the
	// session's goroutines; it has no protocol meaning.
	ID        uuid.UUID
	GuildID   string
	ChannelID string
	SSRC      uint32

	WSHandle  *gateway.Handle
	UDPHandle *udptransport.Handle

	cancel context.CancelFunc
}

// terminate cancels the session's websocket task context, which in turn
// terminates its UDP task: the websocket exclusively owns its UDP task.
func (s *SessionDescriptor) terminate() {
	if s.cancel != nil {
		s.cancel()
	}
}
