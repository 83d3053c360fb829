// Package readqueue demultiplexes raw FIFO bytes into per-timestep frames.
//
// The byte stream is a sequence of fixed-size frames whose layout follows the
// loop order that was uploaded to the board.  Reads from the device are not
// frame aligned; the queue carries any trailing partial frame to the next
// push.  Frames are handed to consumers in bounded chunks so no single push
// monopolizes the caller.
package readqueue

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/transport"
)

// DefaultChunkFrames is the chunk size used when none is configured
const DefaultChunkFrames = 256

// ErrStale is returned by Push when data from a previous generation arrives
// after a Reset
var ErrStale = errors.New("data belongs to a previous run")

// Layout describes the frames of one run
type Layout struct {
	// LoopOrder is the sequence of channels in each frame, repetitions
	// included
	LoopOrder chip.List

	// NumADCs is the number of ADC words in each frame
	NumADCs int
}

// FrameBytes is the size of one frame
func (l Layout) FrameBytes() int {
	return transport.FrameBytes(len(l.LoopOrder), l.NumADCs)
}

// Sample is the data of one loop entry in one timestep
type Sample struct {
	chip.ChipChannel

	// Repetition counts earlier appearances of this channel in the frame
	Repetition int

	Clamp    int16
	Measured int16
}

// Frame is the data of one timestep
type Frame struct {
	Timestep   uint32
	Samples    []Sample
	ADC        []uint16
	DigitalIn  uint16
	DigitalOut uint16
}

// Consumer receives demultiplexed frames.  The same frames are passed to
// every consumer and must be treated as read-only.  Consume is called with
// the queue locked and must not call back into the queue.
type Consumer interface {
	Consume(frames []Frame)
}

// ConsumerFunc adapts a function to a Consumer
type ConsumerFunc func([]Frame)

// Consume calls f
func (f ConsumerFunc) Consume(frames []Frame) { f(frames) }

// Queue turns pushed bytes into frames for its consumers
type Queue struct {
	// embedded mutex guards everything below
	sync.Mutex

	// ChunkFrames bounds the frames delivered per consumer call
	ChunkFrames int

	layout     Layout
	frameBytes int
	repIndex   []int
	gen        uint64
	carry      []byte
	consumers  []Consumer
	frames     uint64
}

// New returns a queue with the given layout and chunk size
func New(layout Layout, chunkFrames int) *Queue {
	q := &Queue{ChunkFrames: chunkFrames}
	q.setLayout(layout)
	return q
}

func (q *Queue) setLayout(l Layout) {
	q.layout = Layout{LoopOrder: append(chip.List(nil), l.LoopOrder...), NumADCs: l.NumADCs}
	q.frameBytes = l.FrameBytes()
	q.repIndex = make([]int, len(l.LoopOrder))
	seen := make(map[chip.ChipChannel]int, len(l.LoopOrder))
	for i, cc := range l.LoopOrder {
		q.repIndex[i] = seen[cc]
		seen[cc]++
	}
}

// AddConsumer registers a consumer.  Consumers are called in registration
// order from the goroutine that calls Push.
func (q *Queue) AddConsumer(c Consumer) {
	q.Lock()
	defer q.Unlock()
	q.consumers = append(q.consumers, c)
}

// RemoveConsumer unregisters a consumer
func (q *Queue) RemoveConsumer(c Consumer) {
	q.Lock()
	defer q.Unlock()
	for i, x := range q.consumers {
		if x == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

// Reset discards carried bytes, installs a new layout and starts a new
// generation.  Pushes tagged with an older generation are dropped; once Reset
// returns, no frame of the old generation is delivered.
func (q *Queue) Reset(layout Layout) uint64 {
	q.Lock()
	defer q.Unlock()
	q.setLayout(layout)
	q.carry = q.carry[:0]
	q.gen++
	return q.gen
}

// Generation is the current generation
func (q *Queue) Generation() uint64 {
	q.Lock()
	defer q.Unlock()
	return q.gen
}

// Layout returns the current layout
func (q *Queue) Layout() Layout {
	q.Lock()
	defer q.Unlock()
	return q.layout
}

// Pending is the number of carried bytes not yet forming a whole frame
func (q *Queue) Pending() int {
	q.Lock()
	defer q.Unlock()
	return len(q.carry)
}

// FramesDelivered is the number of frames delivered since New
func (q *Queue) FramesDelivered() uint64 {
	q.Lock()
	defer q.Unlock()
	return q.frames
}

// Push demultiplexes data read during generation gen and returns the number
// of whole frames delivered.  Data of a stale generation is dropped with
// ErrStale.
//
// The queue lock is held per chunk, not for the whole buffer, so a Reset
// waits for at most one chunk.
func (q *Queue) Push(gen uint64, data []byte) (int, error) {
	total := 0
	q.Lock()
	if gen != q.gen {
		q.Unlock()
		return 0, ErrStale
	}
	// complete the carried frame first
	if len(q.carry) > 0 {
		need := q.frameBytes - len(q.carry)
		if len(data) < need {
			q.carry = append(q.carry, data...)
			q.Unlock()
			return 0, nil
		}
		q.carry = append(q.carry, data[:need]...)
		data = data[need:]
		f := q.decode(q.carry)
		q.carry = q.carry[:0]
		q.deliver([]Frame{f})
		total++
	}
	q.Unlock()

	chunk := q.ChunkFrames
	if chunk <= 0 {
		chunk = DefaultChunkFrames
	}
	for {
		q.Lock()
		if gen != q.gen {
			q.Unlock()
			return total, ErrStale
		}
		n := len(data) / q.frameBytes
		if n == 0 {
			q.carry = append(q.carry, data...)
			q.Unlock()
			return total, nil
		}
		if n > chunk {
			n = chunk
		}
		frames := make([]Frame, n)
		for i := range frames {
			frames[i] = q.decode(data[i*q.frameBytes:])
		}
		data = data[n*q.frameBytes:]
		q.deliver(frames)
		q.Unlock()
		total += n
	}
}

// deliver hands frames to the consumers.  Call with the lock held.
func (q *Queue) deliver(frames []Frame) {
	q.frames += uint64(len(frames))
	for _, c := range q.consumers {
		c.Consume(frames)
	}
}

// decode parses one frame from the head of b
func (q *Queue) decode(b []byte) Frame {
	le := binary.LittleEndian
	f := Frame{
		Timestep: le.Uint32(b),
		Samples:  make([]Sample, len(q.layout.LoopOrder)),
		ADC:      make([]uint16, q.layout.NumADCs),
	}
	off := 4
	for i, cc := range q.layout.LoopOrder {
		f.Samples[i] = Sample{
			ChipChannel: cc,
			Repetition:  q.repIndex[i],
			Clamp:       int16(le.Uint16(b[off:])),
			Measured:    int16(le.Uint16(b[off+2:])),
		}
		off += 4
	}
	for i := range f.ADC {
		f.ADC[i] = le.Uint16(b[off:])
		off += 2
	}
	f.DigitalIn = le.Uint16(b[off:])
	f.DigitalOut = le.Uint16(b[off+2:])
	return f
}
