// Package gateway implements the voice websocket client: the handshake
// (Identify -> Hello -> Ready -> Select Protocol -> Session Description),
// heartbeats, Resume, and the close-code-driven reconnect state machine.
// It owns the UDP transport's lifecycle.
//
// Grounded on bwmarrin/discordgo's voice.go (Open, wsListen, wsEvent,
// wsHeartbeat — opcode constants and goroutine shape) and on
// diamondburned-arikawa's voice/voicegateway (op.go's opcode table,
// HeartbeatAckOP handling) and voice/session.go (the two-slot-fill pattern
// used here for Hello-vs-Ready/Resumed, and reconnect-on-VoiceServerUpdate
// shaping the Start/Resume split).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/bwmarrin/discordvoice/internal/cell"
	"github.com/bwmarrin/discordvoice/udptransport"
)

// senderPace is the minimum spacing between any two outgoing voice gateway
// frames.
const senderPace = 516 * time.Millisecond

// heartbeatWarmup is how long the heartbeat generator waits after the event
// loop starts before sending its first heartbeat.
const heartbeatWarmup = time.Second

// ParentReady is the marker value the gateway-reconnect watchdog looks for
// on the duplicated parent-gateway event stream: it signals that the host
// Discord gateway completed its own fresh Ready handshake (e.g. after its
// own reconnect), which obsoletes this voice session and should trigger a
// courteous Resume.
type ParentReady struct{}

// Event is a frame handed to the session owner: anything that isn't
// consumed internally (heartbeat acks, the heartbeat-as-ack quirk, and
// Session Description) is forwarded here verbatim.
type Event struct {
	Frame Frame
	Err   error
}

// OutboundFrame is a user-originated frame (e.g. a Speaking update) queued
// for the sender task.
type OutboundFrame struct {
	Op   Opcode
	Data any
}

// Handle is the pair of channels a websocket connection exposes to its
// owner: Inbound carries parsed frames; Outbound carries user-originated
// frames. Read and close errors are not delivered on Inbound: the event
// loop logs them and uses them to pick the next Start/Resume/Closed state,
// so this package never sets Event.Err.
type Handle struct {
	Inbound  chan Event
	Outbound chan OutboundFrame
}

// NewHandle allocates a Handle.
func NewHandle() *Handle {
	return &Handle{
		Inbound:  make(chan Event, 16),
		Outbound: make(chan OutboundFrame, 4),
	}
}

// LaunchOptions configures one voice websocket session.
type LaunchOptions struct {
	BotUserID string
	SessionID string
	Token     string
	GuildID   string
	Endpoint  string

	// GatewayEvents is a duplicated view of the parent Discord gateway's
	// event stream, used only to detect a parent-gateway reconnect
	// (ParentReady). May be nil if the caller doesn't wire a watchdog.
	GatewayEvents <-chan any

	Handle *Handle

	// SSRC is filled with Ready's ssrc once Session Description has been
	// received and the secret key is in place.
	SSRC *cell.Cell[uint32]
	// UDPHandle is filled once the UDP transport is spawned, so the
	// session owner can start writing Opus frames into it without
	// waiting for the full handshake to finish.
	UDPHandle *cell.Cell[*udptransport.Handle]
}

// Run drives one voice session through the Start/Resume/Closed state
// machine until it terminates (fatal close code, unrecoverable handshake
// failure, or ctx cancellation). It blocks until the session is fully
// closed; callers run it in its own goroutine.
func Run(ctx context.Context, opts LaunchOptions, logger *log.Logger) {
	s := &session{opts: opts, logger: logger}
	defer s.teardown()

	state := stateStart
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch state {
		case stateStart:
			if err := s.runStart(ctx); err != nil {
				logger.Error("voice gateway start failed", "guild_id", opts.GuildID, "err", err)
				return
			}
			replay := s.pendingFrames
			s.pendingFrames = nil
			state = s.nextState(s.runEventLoop(ctx, replay))

		case stateResume:
			if err := s.runResume(ctx); err != nil {
				logger.Warn("voice gateway resume failed, retrying", "guild_id", opts.GuildID, "err", err, "backoff", "5s")
				select {
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			state = s.nextState(s.runEventLoop(ctx, nil))

		case stateClosed:
			return
		}
	}
}

type fsmState int

const (
	stateStart fsmState = iota
	stateResume
	stateClosed
)

func (s *session) nextState(action closeAction) fsmState {
	switch action {
	case closeRestart:
		return stateStart
	case closeResume:
		return stateResume
	default:
		return stateClosed
	}
}

// session holds the mutable state for one voice gateway connection across
// Start/Resume transitions. Not safe for concurrent use from outside Run.
type session struct {
	opts   LaunchOptions
	logger *log.Logger

	conn   *websocket.Conn
	frames <-chan frameMsg

	heartbeatInterval time.Duration

	// pendingFrames holds non-Session-Description frames observed while
	// tail-waiting for Session Description, replayed into the event loop
	// once it starts. Session Description may arrive at any point in the
	// handshake tail, not strictly as the next frame.
	pendingFrames []Frame

	udpTransport *udptransport.Transport
	udpCancel    context.CancelFunc
	udpHandle    *udptransport.Handle
	secretKey    *cell.Cell[[32]byte]
}

type frameMsg struct {
	frame Frame
	err   error
}

// dial opens the voice websocket, closing any previous connection first.
func (s *session) dial(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	host := endpointHost(s.opts.Endpoint)
	url := fmt.Sprintf("wss://%s/?v=4", host)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial %q: %w", url, err)
	}
	s.conn = conn
	s.frames = s.startReader()
	return nil
}

// endpointHost strips the trailing ":<port>" Discord's voice server
// endpoint carries.
func endpointHost(endpoint string) string {
	if i := strings.LastIndex(endpoint, ":"); i != -1 {
		return endpoint[:i]
	}
	return endpoint
}

func (s *session) startReader() <-chan frameMsg {
	ch := make(chan frameMsg, 1)
	conn := s.conn
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ch <- frameMsg{err: err}
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				ch <- frameMsg{err: fmt.Errorf("gateway: unmarshal frame: %w", err)}
				return
			}
			ch <- frameMsg{frame: f}
		}
	}()
	return ch
}

func (s *session) send(ctx context.Context, op Opcode, data any) error {
	raw, err := json.Marshal(struct {
		Op Opcode `json:"op"`
		D  any    `json:"d"`
	}{op, data})
	if err != nil {
		return fmt.Errorf("gateway: marshal op %d: %w", op, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("gateway: write op %d: %w", op, err)
	}
	return nil
}

func (s *session) sendClose(code int, text string) {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// closeUDP terminates the current UDP transport, if any. Called at the top
// of runStart (Restart path: old transport out, new one spawned right
// after) and at final teardown.
func (s *session) closeUDP() {
	if s.udpCancel != nil {
		s.udpCancel()
		s.udpCancel = nil
	}
	if s.udpTransport != nil {
		s.udpTransport.Close()
		s.udpTransport = nil
	}
}

func (s *session) teardown() {
	s.closeUDP()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// runStart performs the Start state's on-entry handshake: Identify, await
// Hello+Ready, spawn a fresh UDP transport, await IP discovery, Select
// Protocol, await Session Description. Always (re)spawns the UDP transport,
// which is what makes this the Restart path too (close code 4014).
func (s *session) runStart(ctx context.Context) error {
	s.closeUDP()

	if err := s.dial(ctx); err != nil {
		return err
	}

	if err := s.send(ctx, OpIdentify, identifyData{
		ServerID:  s.opts.GuildID,
		UserID:    s.opts.BotUserID,
		SessionID: s.opts.SessionID,
		Token:     s.opts.Token,
	}); err != nil {
		return err
	}

	hello, readyFrame, err := s.awaitTwo(ctx, OpReady, 10*time.Second)
	if err != nil {
		return fmt.Errorf("gateway: start handshake: %w", err)
	}
	s.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond

	var rd readyData
	if err := json.Unmarshal(readyFrame.D, &rd); err != nil {
		return fmt.Errorf("gateway: parse ready: %w", err)
	}

	udpHandle := udptransport.NewHandle()
	secretKey := cell.New[[32]byte]()
	udpCtx, cancel := context.WithCancel(ctx)

	tr, err := udptransport.Start(udpCtx, udptransport.LaunchOptions{
		SSRC:      rd.SSRC,
		IP:        rd.IP,
		Port:      uint16(rd.Port),
		Mode:      "xsalsa20_poly1305",
		Handle:    udpHandle,
		SecretKey: secretKey,
	}, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("gateway: start udp transport: %w", err)
	}

	s.udpTransport, s.udpCancel, s.udpHandle, s.secretKey = tr, cancel, udpHandle, secretKey
	s.opts.UDPHandle.Fill(udpHandle)

	disco, err := s.awaitIPDiscovery(ctx, 10*time.Second)
	if err != nil {
		return err
	}

	if err := s.send(ctx, OpSelectProtocol, buildSelectProtocol(disco.IP, disco.Port)); err != nil {
		return err
	}

	if err := s.awaitSessionDescriptionTail(ctx, 10*time.Second); err != nil {
		return err
	}

	// Only now is the session fully negotiated: the descriptor a caller
	// blocked in Join receives must reflect a session with a secret key
	// already in place, not merely a Ready SSRC.
	s.opts.SSRC.Fill(rd.SSRC)
	return nil
}

// runResume performs the Resume state's on-entry handshake: Resume, await
// Hello+Resumed. The existing UDP transport and secret key are left
// running untouched, reusing the previous UDP launch options — audio keeps
// flowing through the brief control-channel interruption, which is the
// entire point of Resume over Restart.
func (s *session) runResume(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}

	if err := s.send(ctx, OpResume, resumeData{
		ServerID:  s.opts.GuildID,
		SessionID: s.opts.SessionID,
		Token:     s.opts.Token,
	}); err != nil {
		return err
	}

	hello, _, err := s.awaitTwo(ctx, OpResumed, 10*time.Second)
	if err != nil {
		return fmt.Errorf("gateway: resume handshake: %w", err)
	}
	s.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	return nil
}

// awaitTwo implements the "same-opcode two-event race" pattern: wait for
// both Hello and another named opcode (Ready or Resumed), in either order,
// within timeout. Any other frame observed in the window is logged and
// dropped (this window precedes Select Protocol, so there is nothing
// sensible to queue yet).
func (s *session) awaitTwo(ctx context.Context, other Opcode, timeout time.Duration) (helloData, Frame, error) {
	var hello *helloData
	var otherFrame *Frame

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for hello == nil || otherFrame == nil {
		select {
		case <-ctx.Done():
			return helloData{}, Frame{}, ctx.Err()
		case <-deadline.C:
			return helloData{}, Frame{}, fmt.Errorf("timed out waiting for hello and op %d", other)
		case m, ok := <-s.frames:
			if !ok {
				return helloData{}, Frame{}, fmt.Errorf("connection closed during handshake")
			}
			if m.err != nil {
				return helloData{}, Frame{}, m.err
			}
			switch {
			case m.frame.Op == OpHello && hello == nil:
				var h helloData
				if err := json.Unmarshal(m.frame.D, &h); err != nil {
					return helloData{}, Frame{}, fmt.Errorf("parse hello: %w", err)
				}
				hello = &h
			case m.frame.Op == other && otherFrame == nil:
				f := m.frame
				otherFrame = &f
			default:
				s.logger.Debug("ignoring unexpected frame during handshake", "op", m.frame.Op)
			}
		}
	}
	return *hello, *otherFrame, nil
}

func (s *session) awaitIPDiscovery(ctx context.Context, timeout time.Duration) (udptransport.IPDiscoveryResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return udptransport.IPDiscoveryResult{}, ctx.Err()
	case <-timer.C:
		return udptransport.IPDiscoveryResult{}, fmt.Errorf("gateway: timed out waiting for ip discovery")
	case msg, ok := <-s.udpHandle.Inbound:
		if !ok {
			return udptransport.IPDiscoveryResult{}, fmt.Errorf("gateway: udp transport closed before ip discovery")
		}
		res, ok := msg.(udptransport.IPDiscoveryResult)
		if !ok {
			return udptransport.IPDiscoveryResult{}, fmt.Errorf("gateway: unexpected inbound message during ip discovery: %T", msg)
		}
		return res, nil
	}
}

func buildSelectProtocol(ip string, port uint16) selectProtocolData {
	var d selectProtocolData
	d.Protocol = "udp"
	d.Data.Address = ip
	d.Data.Port = port
	d.Data.Mode = "xsalsa20_poly1305"
	return d
}

// awaitSessionDescriptionTail keeps reading frames after Select Protocol
// until Session Description lands, tolerating other traffic in between —
// it is accepted at any point in the handshake tail, not strictly as the
// next frame. Anything else observed is queued for replay into the event
// loop.
func (s *session) awaitSessionDescriptionTail(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("gateway: timed out waiting for session description")
		case m, ok := <-s.frames:
			if !ok {
				return fmt.Errorf("gateway: connection closed before session description")
			}
			if m.err != nil {
				return m.err
			}
			if m.frame.Op == OpSessionDescription {
				var sd SessionDescription
				if err := json.Unmarshal(m.frame.D, &sd); err != nil {
					return fmt.Errorf("gateway: parse session description: %w", err)
				}
				s.secretKey.Fill(sd.SecretKey)
				return nil
			}
			s.pendingFrames = append(s.pendingFrames, m.frame)
		}
	}
}

// runEventLoop drives steady-state operation: a receive loop bounded by
// 2x heartbeat_interval, alongside sibling heartbeat-generator, sender, and
// gateway-reconnect-watchdog goroutines. It returns the close action that
// should drive the next state transition. Both sibling tasks are always
// terminated before returning; the UDP transport is left running (see
// runResume/runStart for UDP lifecycle) unless Run's caller is tearing the
// whole session down, handled by the deferred teardown in Run.
func (s *session) runEventLoop(ctx context.Context, replay []Frame) closeAction {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	librarySend := make(chan OutboundFrame, 4)
	watchdogSignal := make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.heartbeatGenerator(loopCtx, librarySend) }()
	go func() { defer wg.Done(); s.sender(loopCtx, librarySend) }()
	go func() { defer wg.Done(); s.reconnectWatchdog(loopCtx, watchdogSignal) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	receiveTimeout := 2 * s.heartbeatInterval
	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()

	pending := append([]Frame(nil), replay...)

	for {
		var m frameMsg

		if len(pending) > 0 {
			m = frameMsg{frame: pending[0]}
			pending = pending[1:]
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(receiveTimeout)

			select {
			case <-ctx.Done():
				return closeTerminate
			case <-watchdogSignal:
				s.logger.Info("parent gateway reconnected, resuming voice session", "guild_id", s.opts.GuildID)
				s.sendClose(websocket.CloseNormalClosure, "parent gateway reconnected")
				return closeResume
			case <-timer.C:
				s.logger.Warn("voice event loop receive timeout, forcing resume", "guild_id", s.opts.GuildID)
				return closeResume
			case msg, ok := <-s.frames:
				if !ok {
					return closeTerminate
				}
				m = msg
			}
		}

		if m.err != nil {
			if ce, ok := m.err.(*websocket.CloseError); ok {
				s.logger.Info("voice gateway closed", "code", ce.Code, "text", ce.Text)
				return actionForCloseCode(ce.Code)
			}
			s.logger.Warn("voice event loop read error, resuming", "guild_id", s.opts.GuildID, "err", m.err)
			return closeResume
		}

		switch m.frame.Op {
		case OpHeartbeatAck:
			// ignore

		case OpHeartbeat:
			// Observed deviation from docs: the server sends a Heartbeat
			// rather than an explicit Ack; reply with HeartbeatAck echoing
			// the nonce.
			var nonce int64
			_ = json.Unmarshal(m.frame.D, &nonce)
			select {
			case librarySend <- OutboundFrame{Op: OpHeartbeatAck, Data: nonce}:
			case <-ctx.Done():
				return closeTerminate
			}

		case OpSessionDescription:
			var sd SessionDescription
			if err := json.Unmarshal(m.frame.D, &sd); err == nil {
				s.secretKey.Fill(sd.SecretKey)
			}

		default:
			select {
			case s.opts.Handle.Inbound <- Event{Frame: m.frame}:
			case <-ctx.Done():
				return closeTerminate
			}
		}
	}
}

func (s *session) heartbeatGenerator(ctx context.Context, librarySend chan<- OutboundFrame) {
	select {
	case <-time.After(heartbeatWarmup):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case librarySend <- OutboundFrame{Op: OpHeartbeat, Data: time.Now().Unix()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sender serialises every outgoing frame, whichever queue produced it,
// pacing sends to the observed ~516ms minimum spacing.
func (s *session) sender(ctx context.Context, librarySend <-chan OutboundFrame) {
	var last time.Time

	for {
		var of OutboundFrame
		select {
		case <-ctx.Done():
			return
		case of = <-librarySend:
		case of = <-s.opts.Handle.Outbound:
		}

		if !last.IsZero() {
			if d := senderPace - time.Since(last); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return
				}
			}
		}

		if err := s.send(ctx, of.Op, of.Data); err != nil {
			s.logger.Warn("voice gateway send failed", "op", of.Op, "err", err)
			return
		}
		last = time.Now()
	}
}

// reconnectWatchdog reads the duplicated parent-gateway event stream and
// signals the event loop exactly once if it observes a ParentReady,
// meaning the parent gateway reconnected and this voice session is stale.
func (s *session) reconnectWatchdog(ctx context.Context, signal chan<- struct{}) {
	if s.opts.GatewayEvents == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.opts.GatewayEvents:
			if !ok {
				return
			}
			if _, isReady := ev.(ParentReady); isReady {
				select {
				case signal <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
