package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/readqueue"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/util"
)

// State is the run state of a board
type State int

const (
	// Idle boards accept configuration
	Idle State = iota

	// Running boards produce samples
	Running

	// Stopping is held while a stop is draining the board
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode is the kind of run
type Mode int

const (
	// Continuous runs until stopped
	Continuous Mode = iota

	// FixedCount runs for a given number of timesteps
	FixedCount

	// SingleCycle runs for one cycle of a chip's waveforms
	SingleCycle
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case FixedCount:
		return "fixed"
	case SingleCycle:
		return "single cycle"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State returns the run state and the mode of the current or last run
func (b *Board) State() (State, Mode) {
	b.Lock()
	defer b.Unlock()
	return b.state, b.mode
}

// RunContinuously starts a run that lasts until Stop
func (b *Board) RunContinuously() error {
	b.Lock()
	defer b.Unlock()
	return b.start(Continuous, 0)
}

// RunFixed starts a run of n timesteps.  The board returns to Idle once n
// timesteps have been read.
func (b *Board) RunFixed(n uint64) error {
	if n == 0 {
		return errors.New("a fixed run needs at least one timestep")
	}
	b.Lock()
	defer b.Unlock()
	return b.start(FixedCount, n)
}

// RunOneCycle runs for the longest waveform configured on the enabled
// channels of chip c, plus extra timesteps
func (b *Board) RunOneCycle(c int, extra uint64) error {
	if c < 0 || c >= b.cfg.Chips {
		return fmt.Errorf("chip %d: %w", c, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	var longest uint64
	for _, cc := range b.list.OnChip(c) {
		if w := b.waveforms[cc]; w != nil && w.TotalDuration() > longest {
			longest = w.TotalDuration()
		}
	}
	if longest == 0 {
		return fmt.Errorf("chip %d: %w", c, ErrNoChannels)
	}
	return b.start(SingleCycle, longest+extra)
}

// RunAndReadOneCycle runs one cycle of chip c and returns its frames.  It is
// a reader; do not call it while another goroutine is pumping the board.
func (b *Board) RunAndReadOneCycle(ctx context.Context, c int) ([]readqueue.Frame, error) {
	col := &readqueue.Collector{}
	b.queue.AddConsumer(col)
	defer b.queue.RemoveConsumer(col)
	if err := b.RunOneCycle(c, 0); err != nil {
		return nil, err
	}
	b.Lock()
	budget := b.budget
	b.Unlock()
	_, err := b.BlockingRead(ctx, int(budget))
	if errors.Is(err, ErrRunComplete) {
		err = nil
	}
	return col.Frames(), err
}

// start begins a run.  Call with the lock held.
func (b *Board) start(mode Mode, budget uint64) error {
	if b.state != Idle {
		return ErrRunning
	}
	if len(b.loop) == 0 {
		return ErrNoChannels
	}
	for _, cc := range b.list.Unique() {
		if !b.isUploaded(cc) {
			return fmt.Errorf("%s: %w", cc, ErrNotUploaded)
		}
	}
	if err := b.t.WriteRegister(transport.RegMaxTimestepLo, uint32(budget)); err != nil {
		return fmt.Errorf("writing timestep budget: %w", err)
	}
	if err := b.t.WriteRegister(transport.RegMaxTimestepHi, uint32(budget>>32)); err != nil {
		return fmt.Errorf("writing timestep budget: %w", err)
	}
	// anything left in the FIFO belongs to no run
	if err := b.writeControl(util.SetBit(0, transport.CtrlFIFOReset, true)); err != nil {
		return err
	}
	b.gen = b.queue.Reset(b.layout())
	b.read = 0
	b.budget = budget
	b.mode = mode
	b.completed = false
	b.runID++
	b.stopped = make(chan struct{})

	ctrl := util.SetBit(0, transport.CtrlRun, true)
	ctrl = util.SetBit(ctrl, transport.CtrlTimestepReset, true)
	ctrl = util.SetBit(ctrl, transport.CtrlContinuous, mode == Continuous)
	if err := b.writeControl(ctrl); err != nil {
		return err
	}
	b.state = Running
	close(b.started)
	b.started = make(chan struct{})
	return nil
}

func (b *Board) layout() readqueue.Layout {
	return readqueue.Layout{LoopOrder: append(chip.List(nil), b.loop...), NumADCs: transport.NumADCs}
}

// writeControl writes the control register.  The self-clearing bits are not
// kept in the mirror.  Call with the lock held.
func (b *Board) writeControl(v uint16) error {
	if err := b.t.WriteRegister(transport.RegControl, uint32(v)); err != nil {
		return fmt.Errorf("writing control register: %w", err)
	}
	v = util.SetBit(v, transport.CtrlFIFOReset, false)
	b.ctrl = util.SetBit(v, transport.CtrlTimestepReset, false)
	return nil
}

// Stop ends any run, empties the device FIFO, and discards any partial
// frame.  No sample is delivered to a queue consumer after Stop returns.
// A blocking read in progress returns ErrStopped.
func (b *Board) Stop() error {
	b.Lock()
	defer b.Unlock()
	return b.stop()
}

// stop is Stop with the lock held
func (b *Board) stop() error {
	if b.state == Idle {
		return nil
	}
	b.state = Stopping
	b.gen = b.queue.Reset(b.layout())
	b.runID++
	close(b.stopped)
	err := b.writeControl(util.SetBit(0, transport.CtrlFIFOReset, true))
	b.state = Idle
	return err
}

// finish returns the board to Idle after a budgeted run has been read in
// full.  Call with the lock held.
func (b *Board) finish() error {
	b.state = Idle
	b.completed = true
	return b.writeControl(0)
}

// Flush discards data buffered on the device and any partial frame held by
// the queue without waiting for anything.  A continuous run keeps running and
// a blocking read in progress returns ErrFlushed.  A budgeted run cannot
// account for discarded timesteps, so it is stopped.
func (b *Board) Flush() error {
	b.Lock()
	defer b.Unlock()
	if b.state == Running && b.mode != Continuous {
		return b.stop()
	}
	if err := b.writeControl(util.SetBit(b.ctrl, transport.CtrlFIFOReset, true)); err != nil {
		return err
	}
	b.gen = b.queue.Reset(b.layout())
	close(b.flushed)
	b.flushed = make(chan struct{})
	return nil
}
