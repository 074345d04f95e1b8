package realtime

import (
	"sync"
	"sync/atomic"

	v1 "pairline/contracts/signal/v1"
)

const defaultSendQueueSize = 64

// Client is the broker's outbound handle for one websocket connection.
// Frames are queued on Send and written by the connection's writer goroutine.
//
// Send stays open for the life of the process; closing it would race with
// Deliver. Close only flips done.
type Client struct {
	ID   string
	Send chan v1.Envelope

	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ID:   id,
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Deliver queues env without blocking. A full queue drops the frame and
// counts it; a closed client refuses it. Both report false.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil || c.closed() {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped is the number of frames lost to a full send queue.
func (c *Client) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Done is closed once the client starts shutting down. A nil client is
// treated as already closed.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
