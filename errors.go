package discordvoice

import "errors"

// Sentinel errors surfaced by Coordinator.Join. All three represent scope
// failure; cleanup still runs regardless.
var (
	// ErrVoiceNotAvailable means the parent gateway stayed silent during
	// the 5s join handshake window. Join also wraps it when the voice
	// gateway handshake has not completed by the time Join's ctx is done.
	ErrVoiceNotAvailable = errors.New("discordvoice: voice gateway handshake timed out")
	// ErrNoServerAvailable means the parent gateway reported a null voice
	// server endpoint for the guild.
	ErrNoServerAvailable = errors.New("discordvoice: no voice server available for guild")
	// ErrInvalidPayloadOrder means a required join-handshake event arrived
	// with a structurally invalid payload (a protocol deviation, not a
	// timeout).
	ErrInvalidPayloadOrder = errors.New("discordvoice: invalid payload order during voice handshake")
)
