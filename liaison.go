package discordvoice

import "context"

// ParentGateway is the external collaborator this library depends on: the
// host Discord gateway client. Its contract is fixed here so the
// coordinator and gateway liaison have something concrete to call.
type ParentGateway interface {
	// DuplicateEvents returns an independent view of the gateway's event
	// stream: every call gets its own channel fed every dispatch this
	// library cares about (VoiceStateUpdate, VoiceServerUpdate,
	// ParentReconnected, or UnknownEvent for anything else).
	DuplicateEvents() <-chan any
	// SendVoiceStateUpdate issues an Update-Voice-State command for guildID.
	// channelID nil means "disconnect" (Discord's null-channel convention).
	SendVoiceStateUpdate(ctx context.Context, guildID string, channelID *string, selfMute, selfDeaf bool) error
	// BotUserID returns the bot's own user id from the parent's cache.
	BotUserID() string
}

// GatewayLiaison adapts a ParentGateway for the rest of the core: it
// duplicates the event stream and posts Update-Voice-State commands. It
// carries no state of its own.
type GatewayLiaison struct {
	parent ParentGateway
}

// NewGatewayLiaison wraps parent.
func NewGatewayLiaison(parent ParentGateway) *GatewayLiaison {
	return &GatewayLiaison{parent: parent}
}

// DuplicateEvents returns a fresh, independent event stream view.
func (l *GatewayLiaison) DuplicateEvents() <-chan any {
	return l.parent.DuplicateEvents()
}

// Join sends a joining Update-Voice-State for channelID.
func (l *GatewayLiaison) Join(ctx context.Context, guildID, channelID string) error {
	return l.parent.SendVoiceStateUpdate(ctx, guildID, &channelID, false, false)
}

// Leave sends a disconnecting Update-Voice-State (null channel).
func (l *GatewayLiaison) Leave(ctx context.Context, guildID string) error {
	return l.parent.SendVoiceStateUpdate(ctx, guildID, nil, false, false)
}

// BotUserID returns the bot's own user id from the parent's cache.
func (l *GatewayLiaison) BotUserID() string {
	return l.parent.BotUserID()
}
