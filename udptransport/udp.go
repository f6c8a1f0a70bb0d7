// Package udptransport owns the per-session voice UDP socket: IP
// discovery, RTP framing, xsalsa20_poly1305 encryption, and paced,
// backpressured transmission.
//
// Grounded on bwmarrin/discordgo's voice.go (udpOpen, opusSender — header
// layout, SSRC placement, sequence/timestamp stepping) and on
// diamondburned-arikawa's voice/udp/udp.go (rate.Limiter pacing,
// null-terminated address parsing, nonce-from-header derivation).
package udptransport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/bwmarrin/discordvoice/internal/cell"
)

const (
	// OutboundQueueCapacity bounds the outbound Opus-frame queue: roughly
	// 500 frames, or 10s of audio at 20ms/frame. This IS the backpressure
	// mechanism — producers block once it fills.
	OutboundQueueCapacity = 500

	// inboundQueueCapacity is small and finite: nothing downstream of IP
	// discovery reads this channel, so once it fills, readLoop drops every
	// further datagram.
	inboundQueueCapacity = 8

	ipDiscoveryPacketLen uint16 = 74
	ipDiscoveryType      uint16 = 0x0001
	ipDiscoveryLength    uint16 = 0x0046 // 70: remaining bytes after type+length

	samplesPerFrame = 960 // 20ms at 48kHz, RTP timestamp step
)

// IPDiscoveryResult is posted to a Handle's Inbound channel exactly once,
// after the one-time IP discovery round trip completes.
type IPDiscoveryResult struct {
	SSRC uint32
	IP   string
	Port uint16
}

// Handle is the pair of channels a UDP transport exposes to its owner.
type Handle struct {
	// Outbound carries already Opus-encoded frames awaiting transmission.
	// Bounded; see OutboundQueueCapacity.
	Outbound chan []byte
	// Inbound carries the one-time IPDiscoveryResult and any raw datagrams
	// received afterward (never decoded by this library).
	Inbound chan any
}

// NewHandle allocates a Handle with the bounded outbound queue described
// above.
func NewHandle() *Handle {
	return &Handle{
		Outbound: make(chan []byte, OutboundQueueCapacity),
		Inbound:  make(chan any, inboundQueueCapacity),
	}
}

// LaunchOptions configures a single UDP transport's lifetime.
type LaunchOptions struct {
	SSRC   uint32
	IP     string
	Port   uint16
	Mode   string // always "xsalsa20_poly1305"; validated by caller
	Handle *Handle
	// SecretKey is filled by the owning voice gateway once Session
	// Description is received. The transport blocks on it before sending
	// any audio.
	SecretKey *cell.Cell[[32]byte]
}

// Transport owns one UDP socket for one voice session.
type Transport struct {
	conn   *net.UDPConn
	opts   LaunchOptions
	logger *log.Logger
}

// Start dials the voice server, performs IP discovery, and launches the
// background read and send loops. The send loop blocks internally on
// opts.SecretKey until it is filled. Start returns once IP discovery has
// completed and posted its result to opts.Handle.Inbound.
func Start(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*Transport, error) {
	addr := net.JoinHostPort(opts.IP, strconv.Itoa(int(opts.Port)))
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolve %q: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: dial %q: %w", addr, err)
	}

	t := &Transport{conn: conn, opts: opts, logger: logger}

	if err := t.discoverIP(); err != nil {
		conn.Close()
		return nil, err
	}

	go t.readLoop(ctx)
	go t.sendLoop(ctx)

	return t, nil
}

// Close tears down the UDP socket. Both background loops observe the
// resulting read/write errors (or ctx cancellation) and exit.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// discoverIP performs the one-time, synchronous IP discovery round trip
// before any background loop starts.
func (t *Transport) discoverIP() error {
	req := make([]byte, ipDiscoveryPacketLen)
	binary.BigEndian.PutUint16(req[0:2], ipDiscoveryType)
	binary.BigEndian.PutUint16(req[2:4], ipDiscoveryLength)
	binary.BigEndian.PutUint32(req[4:8], t.opts.SSRC)

	if _, err := t.conn.Write(req); err != nil {
		return fmt.Errorf("udptransport: ip discovery write: %w", err)
	}

	reply := make([]byte, ipDiscoveryPacketLen)
	if _, err := io.ReadFull(t.conn, reply); err != nil {
		return fmt.Errorf("udptransport: ip discovery read: %w", err)
	}

	ip, port, err := parseIPDiscoveryReply(reply)
	if err != nil {
		return err
	}

	result := IPDiscoveryResult{SSRC: t.opts.SSRC, IP: ip, Port: port}
	select {
	case t.opts.Handle.Inbound <- result:
	default:
		t.logger.Warn("ip discovery result dropped, inbound queue full", "ssrc", t.opts.SSRC)
	}

	return nil
}

// parseIPDiscoveryReply extracts the null-terminated ASCII address and the
// big-endian port from a 74-byte IP discovery reply: 2 bytes type, 2 bytes
// length, 4 bytes SSRC, 64 bytes address, 2 bytes port.
func parseIPDiscoveryReply(b []byte) (string, uint16, error) {
	if len(b) < int(ipDiscoveryPacketLen) {
		return "", 0, fmt.Errorf("udptransport: short ip discovery reply (%d bytes)", len(b))
	}
	addrField := b[8:72]
	n := bytes.IndexByte(addrField, 0)
	if n < 0 {
		n = len(addrField)
	}
	ip := string(addrField[:n])
	port := binary.BigEndian.Uint16(b[72:74])
	return ip, port, nil
}

// readLoop forwards every datagram received after IP discovery into
// Inbound. Nothing downstream decodes Opus; receiving/decoding other
// participants' voice is out of scope for this library.
func (t *Transport) readLoop(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				t.logger.Error("udp read failed", "ssrc", t.opts.SSRC, "err", err)
			}
			return
		}

		packet := append([]byte(nil), buf[:n]...)
		select {
		case <-ctx.Done():
			return
		case t.opts.Handle.Inbound <- packet:
		default:
			// Inbound queue full: drop. Design decision, not fatal.
		}
	}
}

// sendLoop drains Outbound, RTP-frames, encrypts, and transmits each frame
// at a steady 20ms cadence, pacing by wall-clock target rather than letting
// per-frame overhead accumulate drift.
func (t *Transport) sendLoop(ctx context.Context) {
	if _, ready := t.opts.SecretKey.Peek(); !ready {
		t.logger.Debug("udp transport waiting for secret key", "ssrc", t.opts.SSRC)
	}

	key, err := t.opts.SecretKey.Wait(ctx)
	if err != nil {
		// Session aborted before the key arrived; exit cleanly.
		return
	}

	header := make([]byte, 12)
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint32(header[8:12], t.opts.SSRC)

	var sequence uint16 = randomUint16()
	var timestamp uint32 = randomUint32()

	limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-t.opts.Handle.Outbound:
			if !ok {
				return
			}

			binary.BigEndian.PutUint16(header[2:4], sequence)
			binary.BigEndian.PutUint32(header[4:8], timestamp)

			packet := Encrypt(header, frame, &key)

			if err := limiter.Wait(ctx); err != nil {
				return
			}

			if _, err := t.conn.Write(packet); err != nil {
				t.logger.Error("udp write failed", "ssrc", t.opts.SSRC, "err", err)
				return
			}

			sequence++
			timestamp += samplesPerFrame
		}
	}
}
