package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/patchclamp/readqueue"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/util"
)

// Stats describe the device FIFO as of the last read
type Stats struct {
	State          State         `json:"state"`
	Mode           Mode          `json:"mode"`
	WordsInFIFO    int           `json:"wordsInFIFO"`
	PercentageFull float64       `json:"percentageFull"`
	Latency        time.Duration `json:"latency"`
	TimestepsRead  uint64        `json:"timestepsRead"`
}

// OnStats registers f to be called after reads that change the stats.
// Calls are rate limited to one per StatsInterval and made from the reading
// goroutine without the board locked.
func (b *Board) OnStats(f func(Stats)) {
	b.Lock()
	defer b.Unlock()
	b.hooks = append(b.hooks, f)
}

// Stats returns the stats as of the last read.  They are not refreshed by
// calling this; only Read and BlockingRead poll the device.
func (b *Board) Stats() Stats {
	b.Lock()
	defer b.Unlock()
	s := b.stats
	s.State = b.state
	s.Mode = b.mode
	return s
}

// NumWordsInFIFO is the FIFO occupancy as of the last read
func (b *Board) NumWordsInFIFO() int {
	return b.Stats().WordsInFIFO
}

// FIFOPercentageFull is the FIFO fill as of the last read, 0~100
func (b *Board) FIFOPercentageFull() float64 {
	return b.Stats().PercentageFull
}

// Latency is the time it would take the board to produce the data waiting
// in the FIFO as of the last read
func (b *Board) Latency() time.Duration {
	return b.Stats().Latency
}

// Read reads up to numPackets timesteps that are already waiting on the
// device, demultiplexes them into the queue, and returns how many were
// delivered.  It does not wait for data.  The board lock is not held while
// the FIFO is read or the data demultiplexed.
//
// Once a FixedCount or SingleCycle run has delivered its budget the board
// returns to Idle.
func (b *Board) Read(numPackets int) (int, error) {
	if numPackets <= 0 {
		return 0, nil
	}
	b.readMu.Lock()
	defer b.readMu.Unlock()

	b.Lock()
	if b.state != Running {
		b.Unlock()
		return 0, ErrNotRunning
	}
	gen := b.gen
	frameBytes := transport.FrameBytes(len(b.loop), transport.NumADCs)
	want := uint64(numPackets)
	if b.mode != Continuous && b.budget-b.read < want {
		want = b.budget - b.read
	}
	b.Unlock()

	words, err := b.t.NumWordsInFIFO()
	if err != nil {
		return 0, fmt.Errorf("polling FIFO: %w", err)
	}
	n := int(want)*frameBytes - b.queue.Pending()
	if avail := words * 2; n > avail {
		n = avail
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	got := 0
	if n > 0 {
		got, err = b.t.ReadFIFO(b.buf[:n])
		if err != nil {
			return 0, fmt.Errorf("reading FIFO: %w", err)
		}
	}
	frames, err := b.queue.Push(gen, b.buf[:got])
	if err != nil && !errors.Is(err, readqueue.ErrStale) {
		return frames, err
	}

	left := words - got/2
	if left < 0 {
		left = 0
	}
	b.Lock()
	if b.gen != gen {
		// stopped or flushed under us
		b.Unlock()
		return frames, nil
	}
	b.read += uint64(frames)
	b.stats = Stats{
		WordsInFIFO:    left,
		PercentageFull: util.Clamp(100*float64(left)/float64(b.cfg.FIFOCapacityWords), 0, 100),
		Latency:        util.SecsToDuration(float64(left) / float64(frameBytes/2) / b.cfg.SampleRate),
		TimestepsRead:  b.read,
	}
	var ferr error
	if b.mode != Continuous && b.read >= b.budget {
		ferr = b.finish()
	}
	st := b.stats
	st.State, st.Mode = b.state, b.mode
	var hooks []func(Stats)
	if len(b.hooks) > 0 && (ferr != nil || b.state == Idle || b.limiter.Allow()) {
		hooks = append(hooks, b.hooks...)
	}
	b.Unlock()

	for _, h := range hooks {
		h(st)
	}
	return frames, ferr
}

// BlockingRead reads until numPackets timesteps have been delivered.  When
// the FIFO is empty it waits with exponential backoff.  It returns early on
// a device error, ErrStopped if the run is stopped, ErrFlushed if a
// continuous run is flushed, ErrRunComplete if the run's budget ran out
// first, or the context's error.
func (b *Board) BlockingRead(ctx context.Context, numPackets int) (int, error) {
	b.Lock()
	runID := b.runID
	stopped := b.stopped
	flushed := b.flushed
	b.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()

	total := 0
	for total < numPackets {
		got, err := b.Read(numPackets - total)
		total += got
		if err != nil {
			if errors.Is(err, ErrNotRunning) {
				return total, b.endReason(runID)
			}
			return total, err
		}
		if total >= numPackets {
			break
		}
		if got > 0 {
			bo.Reset()
			continue
		}
		if err := b.endReason(runID); !errors.Is(err, ErrNotRunning) {
			return total, err
		}
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return total, ctx.Err()
		case <-stopped:
			timer.Stop()
			return total, ErrStopped
		case <-flushed:
			timer.Stop()
			return total, ErrFlushed
		case <-timer.C:
		}
	}
	return total, nil
}

// endReason explains why a run that was runID is not being read.  It
// returns ErrNotRunning when the run is still going.
func (b *Board) endReason(runID uint64) error {
	b.Lock()
	defer b.Unlock()
	switch {
	case b.runID != runID:
		return ErrStopped
	case b.state == Idle && b.completed:
		return ErrRunComplete
	default:
		return ErrNotRunning
	}
}

// Pump is the acquisition loop.  It reads numPackets at a time while the
// board runs and sleeps while it is idle, until ctx is done or the device
// fails.
func (b *Board) Pump(ctx context.Context, numPackets int) error {
	for {
		b.Lock()
		running := b.state == Running
		started := b.started
		b.Unlock()
		if !running {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-started:
			}
			continue
		}
		_, err := b.BlockingRead(ctx, numPackets)
		switch {
		case err == nil, errors.Is(err, ErrStopped), errors.Is(err, ErrFlushed),
			errors.Is(err, ErrRunComplete), errors.Is(err, ErrNotRunning):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}
}
