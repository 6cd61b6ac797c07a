// Package ws carries relay envelopes over gorilla/websocket: the relay's
// per-participant connections and the peer-side signaling client.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// FrameHandler consumes inbound frames. The relay session implements it.
type FrameHandler interface {
	HandleFrame(ctx context.Context, data []byte)
	Fail(room domain.RoomID, err error)
}

type closeFrame struct {
	code   int
	reason string
}

// Conn is one participant's websocket on the relay. ReadPump and
// WritePump each run on their own goroutine.
type Conn struct {
	id      domain.ParticipantID
	ws      *websocket.Conn
	cfg     config.ServerConfig
	out     *outbox
	limiter *rate.Limiter
	log     zerolog.Logger

	closeOnce sync.Once
	closing   chan closeFrame
	done      chan struct{}
}

var _ port.Client = (*Conn)(nil)

func NewConn(conn *websocket.Conn, cfg config.ServerConfig) *Conn {
	id := domain.NewParticipantID()
	l := log.With().Str("participant_id", id.String()).Str("remote_addr", conn.RemoteAddr().String()).Logger()
	return &Conn{
		id:      id,
		ws:      conn,
		cfg:     cfg,
		out:     newOutbox(cfg.MaxQueue, cfg.SupersedeThreshold, l),
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		log:     l,
		closing: make(chan closeFrame, 1),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() domain.ParticipantID { return c.id }

// Send queues env for the write pump. A recipient whose backlog reaches
// MaxQueue is disconnected with 1013.
func (c *Conn) Send(env domain.Envelope) error {
	err := c.out.push(env)
	if err == ErrSlowConsumer {
		c.log.Warn().Int("backlog", c.out.len()).Msg("Outbound queue full, closing connection")
		c.Close(domain.CodeTryAgainLater, "outbound queue full")
	}
	return err
}

// Close sends a close frame with code and stops the write pump. Only the
// first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closing <- closeFrame{code: code, reason: reason}
		c.out.close()
	})
}

// Done is closed when the write pump has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadPump feeds inbound text frames to h until the connection fails.
func (c *Conn) ReadPump(ctx context.Context, h FrameHandler) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close error")
			}
			return err
		}
		if kind != websocket.TextMessage {
			h.Fail("", domain.NewSignalingError("read", domain.ErrMalformedMessage, "only text frames are accepted"))
			continue
		}
		if !c.limiter.Allow() {
			h.Fail("", domain.NewSignalingError("read", domain.ErrMalformedMessage, "rate limit exceeded"))
			continue
		}
		h.HandleFrame(ctx, data)
	}
}

// WritePump writes queued envelopes and keepalive pings until Close is
// called or a write fails.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case <-c.out.ready:
			for _, env := range c.out.take() {
				if err := c.write(env); err != nil {
					c.log.Debug().Err(err).Msg("Write failed")
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case f := <-c.closing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason))
			return
		}
	}
}

func (c *Conn) write(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode envelope")
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
