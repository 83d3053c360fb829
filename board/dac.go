package board

import (
	"fmt"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/util"
)

// Kind is what a DAC reproduces from its channel
type Kind int

const (
	// Clamp is the command the channel applies
	Clamp Kind = iota

	// Signal is the measured signal of the channel
	Signal
)

func (k Kind) String() string {
	if k == Signal {
		return "signal"
	}
	return "clamp"
}

// Binding ties a DAC to a channel
type Binding struct {
	chip.ChipChannel
	Kind Kind `json:"kind"`
}

func (b Binding) String() string {
	return b.ChipChannel.String() + " " + b.Kind.String()
}

func dacValue(bind Binding) uint32 {
	return 1<<31 | uint32(bind.Kind)<<16 | transport.EncodeLoopEntry(bind.ChipChannel)
}

// ConfigureDac binds a DAC to a channel.  Rebinding a DAC to its current
// owner is a no-op; binding a DAC owned by another channel fails with an
// *InUseError naming the owner.
func (b *Board) ConfigureDac(dac int, bind Binding) error {
	if dac < 0 || dac >= transport.NumDACs {
		return fmt.Errorf("DAC %d: %w", dac, ErrInvalidDAC)
	}
	if !bind.Valid(b.cfg.Chips) {
		return fmt.Errorf("%s: %w", bind.ChipChannel, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	if owner := b.dacs[dac]; owner != nil {
		if *owner == bind {
			return nil
		}
		return &InUseError{Resource: "DAC", Index: dac, Owner: *owner}
	}
	if err := b.t.WriteRegister(transport.RegDACBase+uint16(dac), dacValue(bind)); err != nil {
		return fmt.Errorf("configuring DAC %d: %w", dac, err)
	}
	b.dacs[dac] = &bind
	return nil
}

// ReleaseDac unbinds a DAC.  Releasing a free DAC is not an error.
func (b *Board) ReleaseDac(dac int) error {
	if dac < 0 || dac >= transport.NumDACs {
		return fmt.Errorf("DAC %d: %w", dac, ErrInvalidDAC)
	}
	b.Lock()
	defer b.Unlock()
	if b.dacs[dac] == nil {
		return nil
	}
	if err := b.t.WriteRegister(transport.RegDACBase+uint16(dac), 0); err != nil {
		return fmt.Errorf("releasing DAC %d: %w", dac, err)
	}
	b.dacs[dac] = nil
	return nil
}

// IsDacInUse returns the DAC's binding, if it has one
func (b *Board) IsDacInUse(dac int) (Binding, bool) {
	if dac < 0 || dac >= transport.NumDACs {
		return Binding{}, false
	}
	b.Lock()
	defer b.Unlock()
	if b.dacs[dac] == nil {
		return Binding{}, false
	}
	return *b.dacs[dac], true
}

// SetDigitalMarkerDestination routes a marker line to a channel's marker
// output.  The line follows the same single owner rule as a DAC.
func (b *Board) SetDigitalMarkerDestination(line int, cc chip.ChipChannel) error {
	if line < 0 || line >= transport.NumMarkers {
		return fmt.Errorf("marker %d: %w", line, ErrInvalidMarker)
	}
	if !cc.Valid(b.cfg.Chips) {
		return fmt.Errorf("%s: %w", cc, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	if owner := b.markers[line]; owner != nil {
		if *owner == cc {
			return nil
		}
		return &InUseError{Resource: "marker", Index: line, Owner: Binding{ChipChannel: *owner}}
	}
	if err := b.t.WriteRegister(transport.RegMarkerDestBase+uint16(line), transport.EncodeLoopEntry(cc)); err != nil {
		return fmt.Errorf("routing marker %d: %w", line, err)
	}
	b.markers[line] = &cc
	return nil
}

// ReleaseDigitalMarker disables a marker line and clears its destination
func (b *Board) ReleaseDigitalMarker(line int) error {
	if line < 0 || line >= transport.NumMarkers {
		return fmt.Errorf("marker %d: %w", line, ErrInvalidMarker)
	}
	b.Lock()
	defer b.Unlock()
	if err := b.setMarkerEnable(line, false); err != nil {
		return err
	}
	b.markers[line] = nil
	return nil
}

// MarkerDestination returns the channel a marker line is routed to
func (b *Board) MarkerDestination(line int) (chip.ChipChannel, bool) {
	if line < 0 || line >= transport.NumMarkers {
		return chip.ChipChannel{}, false
	}
	b.Lock()
	defer b.Unlock()
	if b.markers[line] == nil {
		return chip.ChipChannel{}, false
	}
	return *b.markers[line], true
}

// EnableDigitalMarker turns a routed marker line on or off
func (b *Board) EnableDigitalMarker(line int, on bool) error {
	if line < 0 || line >= transport.NumMarkers {
		return fmt.Errorf("marker %d: %w", line, ErrInvalidMarker)
	}
	b.Lock()
	defer b.Unlock()
	if on && b.markers[line] == nil {
		return fmt.Errorf("marker %d: %w", line, ErrNoDestination)
	}
	return b.setMarkerEnable(line, on)
}

// MarkerEnabled returns true if a marker line is enabled
func (b *Board) MarkerEnabled(line int) bool {
	b.Lock()
	defer b.Unlock()
	return line >= 0 && line < transport.NumMarkers && util.GetBit(uint16(b.markOn), uint(line))
}

// setMarkerEnable writes the marker enable mask.  Call with the lock held.
func (b *Board) setMarkerEnable(line int, on bool) error {
	next := uint32(util.SetBit(uint16(b.markOn), uint(line), on))
	if next == b.markOn {
		return nil
	}
	if err := b.t.WriteRegister(transport.RegMarkerEnable, next); err != nil {
		return fmt.Errorf("enabling marker %d: %w", line, err)
	}
	b.markOn = next
	return nil
}
