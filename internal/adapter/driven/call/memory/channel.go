package memory

import (
	"sync"
	"time"
)

// channel is an ordered reliable data channel. Sent frames are buffered
// until the drain goroutine hands them to the peer engine.
type channel struct {
	e *Engine

	mu        sync.Mutex
	frames    [][]byte
	buffered  uint64
	peak      uint64
	threshold uint64
	onLow     func()
	closed    bool

	wake chan struct{}
	stop chan struct{}
}

func newChannel(e *Engine) *channel {
	return &channel{
		e:    e,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (c *channel) Send(data []byte) error {
	c.e.net.mu.Lock()
	up := c.e.connected && !c.e.closed
	c.e.net.mu.Unlock()
	if !up {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.buffered += uint64(len(data))
	c.peak = max(c.peak, c.buffered)
	c.mu.Unlock()

	c.kick()
	return nil
}

func (c *channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

func (c *channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *channel) maxBuffered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func (c *channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.frames = nil
	c.buffered = 0
	close(c.stop)
}

func (c *channel) drain() {
	for {
		select {
		case <-c.wake:
		case <-c.stop:
			return
		}
		for c.deliverOne() {
		}
	}
}

// deliverOne moves the oldest frame to the peer. It reports false when
// nothing can be delivered right now.
func (c *channel) deliverOne() bool {
	n := c.e.net
	n.mu.Lock()
	peer := n.peerOf(c.e)
	ready := peer != nil && c.e.connected && !n.held
	delay := n.frameDelay
	n.mu.Unlock()
	if !ready {
		return false
	}

	c.mu.Lock()
	if c.closed || len(c.frames) == 0 {
		c.mu.Unlock()
		return false
	}
	frame := c.frames[0]
	c.frames[0] = nil
	c.frames = c.frames[1:]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.stop:
			return false
		}
	}
	peer.events.OnChannelMessage(frame)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	before := c.buffered
	c.buffered -= uint64(len(frame))
	crossed := before > c.threshold && c.buffered <= c.threshold
	onLow := c.onLow
	c.mu.Unlock()

	if crossed && onLow != nil {
		onLow()
	}
	return true
}
