package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// SignalClient is a participant's connection to the relay. Send stamps a
// strictly increasing seq on every envelope.
type SignalClient struct {
	conn     *websocket.Conn
	incoming chan domain.Envelope
	outgoing chan []byte
	done     chan struct{}

	sendMu sync.Mutex
	seq    uint64

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ port.SignalGateway = (*SignalClient)(nil)

// Dial connects to the relay websocket at serverURL.
func Dial(ctx context.Context, serverURL string, header http.Header) (*SignalClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, serverURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect to %s: %w (status %d)", serverURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connect to %s: %w", serverURL, err)
	}

	c := &SignalClient{
		conn:     conn,
		incoming: make(chan domain.Envelope, 16),
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send queues env after stamping the next seq.
func (c *SignalClient) Send(ctx context.Context, env domain.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.seq++
	env.Seq = c.seq
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	}
}

// Incoming yields envelopes from the relay and is closed when the
// connection ends.
func (c *SignalClient) Incoming() <-chan domain.Envelope { return c.incoming }

// Err reports why the connection ended, once Incoming is closed.
func (c *SignalClient) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close sends a normal closure and tears the connection down.
func (c *SignalClient) Close() {
	c.finish(nil)
	<-c.done
}

func (c *SignalClient) finish(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *SignalClient) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.finish(nil)
			} else {
				c.finish(err)
			}
			return
		}
		env, err := domain.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed envelope from relay")
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *SignalClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.finish(err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish(err)
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.flush()
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever Send queued before Close.
func (c *SignalClient) flush() {
	for {
		select {
		case data := <-c.outgoing:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
