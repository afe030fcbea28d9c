package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sfplink/internal/fault"
	"sfplink/internal/profile"
)

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, d := range want {
		require.Equal(t, d, BackoffDelay(DefaultInitialBackoff, attempt))
	}
}

func TestProxyDisconnectIdempotent(t *testing.T) {
	p := NewProxy(ProxyOptions{Endpoint: "ws://relay.invalid/ble", Logger: testLogger()})
	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
	require.Equal(t, StateDisconnected, p.State())
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// relayHandshake accepts the socket and performs the connect/subscribe
// exchange a real relay would. Received post-handshake envelopes go to
// got.
func relayHandshake(got chan<- Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var env Envelope
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgConnect {
			return
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: MsgConnected, DeviceName: "SFP Programmer"})

		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgSubscribe {
			return
		}

		payload := base64.StdEncoding.EncodeToString([]byte("sysmon: ver:1.1.1, bat:[x]|^|85%, sfp:[x]"))
		_ = wsjson.Write(ctx, c, Envelope{
			Type:               MsgNotification,
			CharacteristicUUID: env.CharacteristicUUID,
			Data:               payload,
		})

		for {
			var in Envelope
			if wsjson.Read(ctx, c, &in) != nil {
				return
			}
			select {
			case got <- in:
			default:
			}
		}
	}
}

func TestProxyConnectSubscribeAndNotify(t *testing.T) {
	got := make(chan Envelope, 8)
	srv := httptest.NewServer(relayHandshake(got))
	defer srv.Close()

	p := NewProxy(ProxyOptions{
		Endpoint:   wsURL(srv),
		AckTimeout: 2 * time.Second,
		Logger:     testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := p.Connect(ctx, profile.Default())
	require.NoError(t, err)
	require.Equal(t, StateConnected, p.State())

	select {
	case payload := <-frames:
		require.Contains(t, string(payload), "ver:1.1.1")
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}

	cmd := []byte("[GET] /stats")
	require.NoError(t, p.Write(ctx, cmd))

	select {
	case env := <-got:
		require.Equal(t, MsgWrite, env.Type)
		require.Equal(t, profile.DefaultWriteCharUUID, env.CharacteristicUUID)
		decoded, decErr := base64.StdEncoding.DecodeString(env.Data)
		require.NoError(t, decErr)
		require.Equal(t, cmd, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the write")
	}

	require.NoError(t, p.Disconnect())
	require.Equal(t, StateDisconnected, p.State())

	// The frame stream closes exactly once on disconnect.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-frames:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Disconnect())
}

func TestProxyConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var env Envelope
		if wsjson.Read(ctx, c, &env) != nil {
			return
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: MsgError, Error: "device not found"})
	}))
	defer srv.Close()

	p := NewProxy(ProxyOptions{
		Endpoint:   wsURL(srv),
		AckTimeout: 2 * time.Second,
		Logger:     testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Connect(ctx, profile.Default())
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Protocol))
	require.Contains(t, err.Error(), "device not found")
	require.Equal(t, StateDisconnected, p.State())
}

func TestProxySchedulesReconnectOnSocketLoss(t *testing.T) {
	dropAfterHandshake := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		var env Envelope
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgConnect {
			return
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: MsgConnected})
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgSubscribe {
			return
		}
		close(dropAfterHandshake)
		// Drop the socket without a close handshake.
		c.CloseNow()
	}))
	defer srv.Close()

	p := NewProxy(ProxyOptions{
		Endpoint:       wsURL(srv),
		AckTimeout:     2 * time.Second,
		InitialBackoff: time.Minute, // keep the retry pending for the whole test
		Logger:         testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := p.Connect(ctx, profile.Default())
	require.NoError(t, err)

	<-dropAfterHandshake
	require.Eventually(t, func() bool {
		return p.State() == StateReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	// The frame stream stays open across the reconnect window.
	select {
	case _, ok := <-frames:
		if !ok {
			t.Fatal("frame stream closed during reconnect window")
		}
		t.Fatal("unexpected frame during reconnect")
	default:
	}

	// An explicit disconnect cancels the pending retry and finalizes.
	require.NoError(t, p.Disconnect())
	require.Equal(t, StateDisconnected, p.State())
	_, ok := <-frames
	require.False(t, ok)
}

func TestProxyReconnectExhaustionIsTerminal(t *testing.T) {
	// First session completes the handshake, then the relay dies: the
	// socket drops and every redial is refused.
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "relay down", http.StatusInternalServerError)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		var env Envelope
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgConnect {
			return
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: MsgConnected})
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgSubscribe {
			return
		}
		// Let the client settle into the connected state before the drop.
		time.Sleep(50 * time.Millisecond)
		c.CloseNow()
	}))
	defer srv.Close()

	p := NewProxy(ProxyOptions{
		Endpoint:       wsURL(srv),
		AckTimeout:     2 * time.Second,
		InitialBackoff: 5 * time.Millisecond,
		Logger:         testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := p.Connect(ctx, profile.Default())
	require.NoError(t, err)

	// Five retries at the doubling delays, then terminal.
	require.Eventually(t, func() bool {
		return p.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1+DefaultMaxReconnectAttempts), dials.Load())

	// The frame stream closed and nothing else gets through.
	_, ok := <-frames
	require.False(t, ok)
	werr := p.Write(context.Background(), []byte("[GET] /stats"))
	require.True(t, fault.Is(werr, fault.ConnectionLost))
}

func TestProxyDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var env Envelope
		if wsjson.Read(ctx, c, &env) != nil || env.Type != MsgDiscover {
			return
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: MsgStatus, Message: "scanning"})
		_ = wsjson.Write(ctx, c, Envelope{
			Type: MsgDiscovered,
			Devices: []DiscoveredPeer{
				{Name: "SFP Programmer", Address: "AA:BB:CC:DD:EE:FF", RSSI: -52},
			},
		})
	}))
	defer srv.Close()

	p := NewProxy(ProxyOptions{Endpoint: wsURL(srv), Logger: testLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := p.Discover(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "SFP Programmer", peers[0].Name)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", peers[0].Address)
	require.Equal(t, -52, peers[0].RSSI)
}

func TestProxyWriteWhenNotConnected(t *testing.T) {
	p := NewProxy(ProxyOptions{Endpoint: "ws://relay.invalid/ble", Logger: testLogger()})
	err := p.Write(context.Background(), []byte("x"))
	require.True(t, fault.Is(err, fault.ConnectionLost))
}
