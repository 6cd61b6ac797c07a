package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frames struct {
	mu     sync.Mutex
	got    [][]byte
	failed []error
}

func (f *frames) HandleFrame(_ context.Context, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, data)
}

func (f *frames) Fail(_ domain.RoomID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, err)
}

func (f *frames) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got), len(f.failed)
}

type served struct {
	url    string
	conns  chan *Conn
	frames *frames
}

func serve(t *testing.T, cfg config.ServerConfig) *served {
	return serveWith(t, cfg, true)
}

// serveWith upgrades every request to a Conn. Without pump the test starts
// the write pump itself.
func serveWith(t *testing.T, cfg config.ServerConfig, pump bool) *served {
	t.Helper()
	s := &served{conns: make(chan *Conn, 1), frames: &frames{}}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(wsConn, cfg)
		if pump {
			go c.WritePump()
		}
		s.conns <- c
		_ = c.ReadPump(context.Background(), s.frames)
		c.Close(domain.CodeNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnDeliversBothWays(t *testing.T) {
	s := serve(t, config.Default().Server)
	client := dial(t, s.url)
	conn := <-s.conns

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave","roomId":"r1","seq":1}`)))
	require.Eventually(t, func() bool { n, _ := s.frames.counts(); return n == 1 }, time.Second, time.Millisecond)

	out := domain.Envelope{Type: domain.TypePeerLeft, RoomID: "r1", From: domain.NewParticipantID(), Seq: 7, Payload: json.RawMessage(`{}`)}
	require.NoError(t, conn.Send(out))
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	got, err := domain.ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, out, got)
}

func TestConnRejectsBinaryAndRateLimited(t *testing.T) {
	cfg := config.Default().Server
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 2
	s := serve(t, cfg)
	client := dial(t, s.url)
	<-s.conns

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	for i := 0; i < 4; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	}
	require.Eventually(t, func() bool { n, f := s.frames.counts(); return n+f == 5 }, time.Second, time.Millisecond)

	handled, failed := s.frames.counts()
	assert.Equal(t, 2, handled)
	assert.Equal(t, 3, failed)
	s.frames.mu.Lock()
	defer s.frames.mu.Unlock()
	for _, err := range s.frames.failed {
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	}
}

func TestConnClosesSlowConsumerWith1013(t *testing.T) {
	cfg := config.Default().Server
	cfg.MaxQueue = 4
	cfg.SupersedeThreshold = 2
	s := serveWith(t, cfg, false)
	client := dial(t, s.url)
	conn := <-s.conns

	// Candidates are never superseded, so the backlog only grows.
	from := domain.NewParticipantID()
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, conn.Send(domain.Envelope{Type: domain.TypeICECandidate, RoomID: "r1", From: from, Seq: i, Payload: json.RawMessage(`{"candidate":"c"}`)}))
	}
	err := conn.Send(domain.Envelope{Type: domain.TypeICECandidate, RoomID: "r1", From: from, Seq: 5, Payload: json.RawMessage(`{"candidate":"c"}`)})
	require.ErrorIs(t, err, ErrSlowConsumer)
	go conn.WritePump()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, rerr := client.ReadMessage()
		if rerr == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, rerr, &ce)
		assert.Equal(t, domain.CodeTryAgainLater, ce.Code)
		break
	}
}

func TestHubStopClosesWithNormalClosure(t *testing.T) {
	s := serve(t, config.Default().Server)
	client := dial(t, s.url)
	conn := <-s.conns

	hub := NewHub()
	require.True(t, hub.Register(conn))
	assert.Equal(t, 1, hub.Len())
	hub.Stop()
	assert.False(t, hub.Register(conn))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	hub.Unregister(conn)
	assert.Zero(t, hub.Len())
}

func TestSignalClientStampsSeq(t *testing.T) {
	upgrader := websocket.Upgrader{}
	seen := make(chan domain.Envelope, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		reply, _ := json.Marshal(domain.Envelope{Type: domain.TypePeerLeft, RoomID: "r1", Seq: 1, Payload: json.RawMessage(`{}`)})
		_ = c.WriteMessage(websocket.TextMessage, reply)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			env, err := domain.ParseEnvelope(data)
			if err == nil {
				seen <- env
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send(ctx, domain.Envelope{Type: domain.TypeLeave, RoomID: "r1"}))
	}
	for want := uint64(1); want <= 3; want++ {
		select {
		case env := <-seen:
			assert.Equal(t, want, env.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope %d never arrived", want)
		}
	}

	select {
	case env := <-client.Incoming():
		assert.Equal(t, domain.TypePeerLeft, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope from server")
	}

	client.Close()
	assert.ErrorIs(t, client.Send(ctx, domain.Envelope{Type: domain.TypeLeave, RoomID: "r1"}), ErrConnClosed)
	for range client.Incoming() {
	}
	assert.NoError(t, client.Err())
}
