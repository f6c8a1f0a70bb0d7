package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bwmarrin/discordvoice/internal/cell"
	"github.com/bwmarrin/discordvoice/udptransport"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// fakeUDPPeer answers exactly one IP discovery round trip.
func fakeUDPPeer(t *testing.T, ssrc uint32) (ip string, port uint16, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ip, port = "127.0.0.1", 6677
	go func() {
		buf := make([]byte, 1500)
		_, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := make([]byte, 74)
		binary.BigEndian.PutUint16(reply[0:2], 0x0002)
		binary.BigEndian.PutUint16(reply[2:4], 0x0046)
		binary.BigEndian.PutUint32(reply[4:8], ssrc)
		copy(reply[8:], []byte(ip))
		binary.BigEndian.PutUint16(reply[72:74], port)
		conn.WriteToUDP(reply, raddr)
	}()
	return ip, port, func() { conn.Close() }
}

type fakeFrame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, op Opcode, d any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(fakeFrame{Op: op, D: d}))
}

// fakeVoiceServer starts an httptest server speaking the voice websocket
// protocol; handle is invoked once per accepted connection.
func fakeVoiceServer(t *testing.T, handle func(conn *websocket.Conn)) (endpoint string, closeFn func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	endpoint = strings.TrimPrefix(srv.URL, "http://") + ":80" // exercise endpointHost's trim
	return endpoint, srv.Close
}

func baseOpts(endpoint string) (LaunchOptions, *Handle, *cell.Cell[uint32], *cell.Cell[*udptransport.Handle]) {
	h := NewHandle()
	ssrc := cell.New[uint32]()
	udpHandle := cell.New[*udptransport.Handle]()
	opts := LaunchOptions{
		BotUserID: "bot1",
		SessionID: "sess1",
		Token:     "tok1",
		GuildID:   "guild1",
		Endpoint:  endpoint,
		Handle:    h,
		SSRC:      ssrc,
		UDPHandle: udpHandle,
	}
	return opts, h, ssrc, udpHandle
}

func TestHappyJoin(t *testing.T) {
	const ssrc = 12345
	peerIP, peerPort, closePeer := fakeUDPPeer(t, ssrc)
	defer closePeer()

	done := make(chan struct{})
	endpoint, closeSrv := fakeVoiceServer(t, func(conn *websocket.Conn) {
		defer close(done)
		writeFrame(t, conn, OpHello, map[string]any{"heartbeat_interval": 5000.0})

		f := readFrame(t, conn)
		require.Equal(t, OpIdentify, f.Op)

		writeFrame(t, conn, OpReady, map[string]any{
			"ssrc": ssrc, "ip": peerIP, "port": peerPort, "modes": []string{"xsalsa20_poly1305"},
		})

		f = readFrame(t, conn)
		require.Equal(t, OpSelectProtocol, f.Op)

		var key [32]byte
		for i := range key {
			key[i] = byte(i)
		}
		writeFrame(t, conn, OpSessionDescription, SessionDescription{Mode: "xsalsa20_poly1305", SecretKey: key})

		writeFrame(t, conn, OpSpeaking, speakingData{Speaking: 1, SSRC: ssrc})
	})
	defer closeSrv()

	opts, handle, ssrcCell, udpHandleCell := baseOpts(endpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, opts, testLogger())

	gotSSRC, err := ssrcCell.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(ssrc), gotSSRC)

	udpHandle, err := udpHandleCell.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, udpHandle)

	select {
	case ev := <-handle.Inbound:
		require.NoError(t, ev.Err)
		require.Equal(t, OpSpeaking, ev.Frame.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded speaking frame")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never completed")
	}
}

func TestFullRestart(t *testing.T) {
	const firstSSRC, secondSSRC = 111, 222
	peerIP, peerPort, closePeer := fakeUDPPeer(t, firstSSRC)
	defer closePeer()

	var attempt int
	endpoint, closeSrv := fakeVoiceServer(t, func(conn *websocket.Conn) {
		attempt++
		writeFrame(t, conn, OpHello, map[string]any{"heartbeat_interval": 5000.0})
		f := readFrame(t, conn)
		require.Equal(t, OpIdentify, f.Op)

		ssrc := uint32(firstSSRC)
		if attempt > 1 {
			ssrc = secondSSRC
		}
		writeFrame(t, conn, OpReady, map[string]any{
			"ssrc": ssrc, "ip": peerIP, "port": peerPort, "modes": []string{"xsalsa20_poly1305"},
		})

		f = readFrame(t, conn)
		require.Equal(t, OpSelectProtocol, f.Op)

		var key [32]byte
		writeFrame(t, conn, OpSessionDescription, SessionDescription{Mode: "xsalsa20_poly1305", SecretKey: key})

		if attempt == 1 {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4014, "restart"), time.Now().Add(time.Second))
			conn.Close()
			return
		}
		// second attempt: idle until test ends
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeSrv()

	opts, _, ssrcCell, _ := baseOpts(endpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, opts, testLogger())

	gotSSRC, err := ssrcCell.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(firstSSRC), gotSSRC)

	require.Eventually(t, func() bool { return attempt >= 2 }, 3*time.Second, 20*time.Millisecond,
		"expected a second connection attempt after close code 4014")
}

func TestEndpointHostTrimsPort(t *testing.T) {
	require.Equal(t, "x.discord.gg", endpointHost("x.discord.gg:443"))
	require.Equal(t, "x.discord.gg", endpointHost("x.discord.gg:80"))
	require.Equal(t, "noport", endpointHost("noport"))
}

func TestBuildSelectProtocol(t *testing.T) {
	d := buildSelectProtocol("1.2.3.4", 9999)
	require.Equal(t, "udp", d.Protocol)
	require.Equal(t, "1.2.3.4", d.Data.Address)
	require.Equal(t, uint16(9999), d.Data.Port)
	require.Equal(t, "xsalsa20_poly1305", d.Data.Mode)
}
