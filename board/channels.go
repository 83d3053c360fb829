package board

import (
	"fmt"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/transport"
)

// EnableChannels sets the active channels and the order the board visits
// them each loop.  Duplicates are rejected unless allowMulti is true, in
// which case the list may repeat channels and the whole list is visited
// ChannelRepetition times per loop.
//
// The loop order is written to the board immediately and is the same order
// the read queue uses to demultiplex the next run.  It cannot change while
// running.
func (b *Board) EnableChannels(list chip.List, allowMulti bool) error {
	if err := b.checkList(list, allowMulti); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	return b.enable(list, allowMulti)
}

// SetChannelLoopOrder replaces the loop order, keeping the current
// repetition policy
func (b *Board) SetChannelLoopOrder(list chip.List) error {
	b.Lock()
	defer b.Unlock()
	if err := b.checkList(list, b.allowMulti); err != nil {
		return err
	}
	return b.enable(list, b.allowMulti)
}

func (b *Board) checkList(list chip.List, allowMulti bool) error {
	if len(list) == 0 {
		return ErrNoChannels
	}
	if err := list.Validate(b.cfg.Chips); err != nil {
		return err
	}
	if !allowMulti {
		if cc, dup := list.FirstDuplicate(); dup {
			return fmt.Errorf("%s: %w", cc, ErrDuplicateChannel)
		}
	}
	return nil
}

// enable installs a checked list.  Call with the lock held.
func (b *Board) enable(list chip.List, allowMulti bool) error {
	if b.state != Idle {
		return ErrRunning
	}
	rep := b.repetition
	if !allowMulti {
		rep = 1
	}
	if err := b.writeLoop(list, rep); err != nil {
		return err
	}
	b.allowMulti = allowMulti
	return nil
}

// SetChannelRepetition sets how many times the loop visits the channel list.
// It only takes effect when repetition is allowed.
func (b *Board) SetChannelRepetition(n int) error {
	if n < 1 {
		return ErrInvalidRepetition
	}
	b.Lock()
	defer b.Unlock()
	if b.state != Idle {
		return ErrRunning
	}
	old := b.repetition
	b.repetition = n
	if !b.allowMulti || len(b.list) == 0 {
		return nil
	}
	if err := b.writeLoop(b.list, n); err != nil {
		b.repetition = old
		return err
	}
	return nil
}

// ChannelRepetition returns the configured repetition count
func (b *Board) ChannelRepetition() int {
	b.Lock()
	defer b.Unlock()
	return b.repetition
}

// EnabledChannels returns the distinct enabled channels in loop order
func (b *Board) EnabledChannels() chip.List {
	b.Lock()
	defer b.Unlock()
	return b.list.Unique()
}

// LoopOrder returns the loop order on the board, repetitions included
func (b *Board) LoopOrder() chip.List {
	b.Lock()
	defer b.Unlock()
	return append(chip.List(nil), b.loop...)
}

// writeLoop writes list repeated rep times to the loop registers.  Call
// with the lock held.
func (b *Board) writeLoop(list chip.List, rep int) error {
	loop := list.Repeat(rep)
	if len(loop) > transport.MaxLoopLength {
		return fmt.Errorf("%d entries, max %d: %w", len(loop), transport.MaxLoopLength, ErrLoopTooLong)
	}
	// the loop is invalid on the device until every register is written;
	// zero the length first so a partial write never describes a loop
	if err := b.t.WriteRegister(transport.RegLoopLength, 0); err != nil {
		return fmt.Errorf("writing loop length: %w", err)
	}
	b.loop = nil
	for i, cc := range loop {
		if err := b.t.WriteRegister(transport.LoopOrderReg(i), transport.EncodeLoopEntry(cc)); err != nil {
			return fmt.Errorf("writing loop entry %d: %w", i, err)
		}
	}
	if err := b.t.WriteRegister(transport.RegRepetition, uint32(rep)); err != nil {
		return fmt.Errorf("writing loop repetition: %w", err)
	}
	if err := b.t.WriteRegister(transport.RegLoopLength, uint32(len(loop))); err != nil {
		return fmt.Errorf("writing loop length: %w", err)
	}
	b.list = append(chip.List(nil), list...)
	b.loop = loop
	return nil
}
