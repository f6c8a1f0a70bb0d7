package discordvoice

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bwmarrin/discordvoice/codec"
	"github.com/bwmarrin/discordvoice/gateway"
	"github.com/bwmarrin/discordvoice/internal/cell"
	"github.com/bwmarrin/discordvoice/udptransport"
)

// joinTimeout bounds the two-event gateway handshake.
const joinTimeout = 5 * time.Second

// Coordinator is one logical "voice computation" scope: it holds the set
// of active voice sessions and the global playback mutex, and performs the
// two-event gateway handshake on join. Use NewCoordinator per scope;
// always defer Close to guarantee cleanup runs even on failure.
type Coordinator struct {
	liaison   *GatewayLiaison
	logger    *log.Logger
	broadcast *BroadcastState
}

// NewCoordinator returns a Coordinator wrapping parent.
func NewCoordinator(parent ParentGateway, logger *log.Logger) *Coordinator {
	return &Coordinator{
		liaison:   NewGatewayLiaison(parent),
		logger:    logger,
		broadcast: NewBroadcastState(),
	}
}

// Join implements the seven-step join protocol: duplicate the gateway
// event stream, send an Update-Voice-State, await the voice state/server
// handshake, spawn the voice gateway, and block until the session's ssrc
// cell is filled (Session Description complete) or ctx is done.
func (c *Coordinator) Join(ctx context.Context, guildID, channelID string) (*SessionDescriptor, error) {
	events := c.liaison.DuplicateEvents()

	if err := c.liaison.Join(ctx, guildID, channelID); err != nil {
		return nil, fmt.Errorf("discordvoice: send voice state update: %w", err)
	}

	sessionID, token, endpoint, err := awaitVoiceHandshake(ctx, events, guildID, joinTimeout)
	if err != nil {
		return nil, err
	}

	// handleID correlates this session's half-dozen goroutines (event loop,
	// heartbeat generator, sender, watchdog, UDP read/send loops) across
	// log lines.
	handleID := uuid.New()
	sessionLogger := c.logger.With("handle_id", handleID, "guild_id", guildID)

	sessionCtx, cancel := context.WithCancel(context.Background())
	watchdogEvents := translateReconnectEvents(sessionCtx, c.liaison.DuplicateEvents())

	wsHandle := gateway.NewHandle()
	ssrcCell := cell.New[uint32]()
	udpHandleCell := cell.New[*udptransport.Handle]()

	go gateway.Run(sessionCtx, gateway.LaunchOptions{
		BotUserID:     c.liaison.BotUserID(),
		SessionID:     sessionID,
		Token:         token,
		GuildID:       guildID,
		Endpoint:      endpoint,
		GatewayEvents: watchdogEvents,
		Handle:        wsHandle,
		SSRC:          ssrcCell,
		UDPHandle:     udpHandleCell,
	}, sessionLogger)

	ssrc, err := ssrcCell.Wait(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrVoiceNotAvailable, err)
	}

	udpHandle, err := udpHandleCell.Wait(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrVoiceNotAvailable, err)
	}

	session := &SessionDescriptor{
		ID:        handleID,
		GuildID:   guildID,
		ChannelID: channelID,
		SSRC:      ssrc,
		WSHandle:  wsHandle,
		UDPHandle: udpHandle,
		cancel:    cancel,
	}
	c.broadcast.add(session)
	return session, nil
}

// translateReconnectEvents forwards ParentReconnected sightings on raw as
// gateway.ParentReady{} on the returned channel, which is what the voice
// gateway's reconnect watchdog looks for. Keeps the public ParentGateway
// contract (events.go) decoupled from the gateway package's internal
// marker type.
func translateReconnectEvents(ctx context.Context, raw <-chan any) <-chan any {
	out := make(chan any, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				if _, ok := ev.(ParentReconnected); ok {
					select {
					case out <- gateway.ParentReady{}:
					case <-ctx.Done():
						return
					default:
					}
				}
			}
		}
	}()
	return out
}

// awaitVoiceHandshake waits for both a VoiceStateUpdate and a
// VoiceServerUpdate for guildID, in either order, within timeout.
func awaitVoiceHandshake(ctx context.Context, events <-chan any, guildID string, timeout time.Duration) (sessionID, token, endpoint string, err error) {
	var gotState, gotServer bool
	var ep *string

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for !gotState || !gotServer {
		select {
		case <-ctx.Done():
			return "", "", "", ctx.Err()
		case <-deadline.C:
			return "", "", "", ErrVoiceNotAvailable
		case ev, ok := <-events:
			if !ok {
				return "", "", "", ErrVoiceNotAvailable
			}
			switch e := ev.(type) {
			case VoiceStateUpdate:
				if e.GuildID != guildID {
					continue
				}
				if e.SessionID == "" {
					return "", "", "", ErrInvalidPayloadOrder
				}
				sessionID = e.SessionID
				gotState = true
			case VoiceServerUpdate:
				if e.GuildID != guildID {
					continue
				}
				if e.Token == "" {
					return "", "", "", ErrInvalidPayloadOrder
				}
				token = e.Token
				ep = e.Endpoint
				gotServer = true
			default:
				// ParentReconnected, UnknownEvent, or anything else: not
				// relevant to the join handshake, ignored.
			}
		}
	}

	if ep == nil {
		return "", "", "", ErrNoServerAvailable
	}
	return sessionID, token, *ep, nil
}

// Play sets Speaking=true on every active session, holds the playback
// mutex for the full call, drives pcm through the codec into the
// broadcast sink, then sets Speaking=false regardless of outcome.
func (c *Coordinator) Play(ctx context.Context, pcm io.Reader) error {
	sessions := c.broadcast.snapshot()

	c.setSpeaking(ctx, sessions, true)
	defer c.setSpeaking(context.Background(), sessions, false)

	c.broadcast.playback.Lock()
	defer c.broadcast.playback.Unlock()

	enc, err := codec.NewEncoder()
	if err != nil {
		return err
	}
	return enc.Encode(pcm, func(frame []byte) error {
		return broadcastFrame(ctx, frame, sessions)
	})
}

// PlayOpusFrames is the pre-encoded-audio counterpart to Play, for callers
// that already hold Opus frames (e.g. a cached announcement, or a source
// encoded out-of-process) and don't want to round-trip them through the PCM
// codec. It carries the same playback-mutex and Speaking semantics as Play,
// skipping only the codec stage.
func (c *Coordinator) PlayOpusFrames(ctx context.Context, frames <-chan []byte) error {
	sessions := c.broadcast.snapshot()

	c.setSpeaking(ctx, sessions, true)
	defer c.setSpeaking(context.Background(), sessions, false)

	c.broadcast.playback.Lock()
	defer c.broadcast.playback.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := broadcastFrame(ctx, frame, sessions); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) setSpeaking(ctx context.Context, sessions []*SessionDescriptor, speaking bool) {
	flag := 0
	if speaking {
		flag = int(gateway.SpeakingMicrophone)
	}
	for _, s := range sessions {
		of := gateway.OutboundFrame{Op: gateway.OpSpeaking, Data: map[string]any{
			"speaking": flag,
			"delay":    0,
			"ssrc":     s.SSRC,
		}}
		select {
		case s.WSHandle.Outbound <- of:
		case <-ctx.Done():
			return
		}
	}
}

// Close implements scope exit: sends a disconnecting Update-Voice-State
// for every joined guild, then terminates every session's websocket task
// (which transitively terminates its UDP task).
// Both steps run even if earlier ones fail, and Close itself is safe to
// call after a failed Join.
func (c *Coordinator) Close() error {
	sessions := c.broadcast.snapshot()

	var leaveErr error
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.liaison.Leave(ctx, s.GuildID); err != nil && leaveErr == nil {
			leaveErr = err
		}
		cancel()
		c.broadcast.remove(s.GuildID)
	}

	for _, s := range sessions {
		s.terminate()
	}

	return leaveErr
}
