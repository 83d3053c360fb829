package readqueue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates every frame it is given
type Collector struct {
	mu     sync.Mutex
	frames []Frame
}

// Consume implements Consumer
func (c *Collector) Consume(frames []Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frames...)
	c.mu.Unlock()
}

// Frames returns the frames collected so far
func (c *Collector) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Len is the number of frames collected so far
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Clear drops the collected frames
func (c *Collector) Clear() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Chan forwards frame chunks on a channel for a consumer goroutine.  When the
// channel is full Consume waits up to Stall for room, holding up the
// acquisition goroutine and so the device FIFO.  A chunk that still does not
// fit is dropped and counted.
type Chan struct {
	// dropped is first for 64-bit atomic alignment
	dropped uint64

	C chan []Frame

	// Stall bounds how long Consume waits on a full channel.  Zero drops
	// at once.
	Stall time.Duration

	// mu is read-held across a send so Close cannot close C under it
	mu     sync.RWMutex
	closed bool
}

// NewChan returns a Chan buffering up to depth chunks
func NewChan(depth int) *Chan {
	return &Chan{C: make(chan []Frame, depth)}
}

// Consume implements Consumer
func (c *Chan) Consume(frames []Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.C <- frames:
		return
	default:
	}
	if c.Stall > 0 {
		t := time.NewTimer(c.Stall)
		defer t.Stop()
		select {
		case c.C <- frames:
			return
		case <-t.C:
		}
	}
	atomic.AddUint64(&c.dropped, uint64(len(frames)))
}

// Dropped is the number of frames dropped because the channel was full
func (c *Chan) Dropped() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

// Close closes C.  Later chunks are discarded.
func (c *Chan) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.C)
	}
}
