package discordvoice

import "encoding/json"

// VoiceStateUpdate is the parent gateway's VOICE_STATE_UPDATE dispatch,
// reduced to the field this library needs.
type VoiceStateUpdate struct {
	GuildID   string
	SessionID string
}

// VoiceServerUpdate is the parent gateway's VOICE_SERVER_UPDATE dispatch.
// Endpoint is a pointer because Discord sends a null endpoint when no
// voice server is currently available for the guild.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint *string
}

// ParentReconnected is emitted by a ParentGateway implementation whenever
// its own connection completes a fresh Ready handshake (e.g. after its own
// reconnect). Voice sessions watch for this to detect staleness and
// proactively Resume via the gateway-reconnect watchdog.
type ParentReconnected struct{}

// UnknownEvent is the fallback arm for any parent gateway dispatch this
// library doesn't model as a typed variant. Coordinator.Join and the
// reconnect watchdog both ignore it.
type UnknownEvent struct {
	Name string
	Raw  json.RawMessage
}
