package board

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/waveform"
)

// Compile converts a waveform to board commands.  Adjacent segments that
// would produce identical output are merged.  The last command carries the
// Last flag so playback wraps.
func Compile(w *waveform.SimplifiedWaveform) ([]transport.Command, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	out := make([]transport.Command, 0, len(w.Segments))
	for i, s := range w.Segments {
		if s.AppliedDiscreteValue > math.MaxInt16 || s.AppliedDiscreteValue < math.MinInt16 {
			return nil, fmt.Errorf("segment %d value %d: %w", i, s.AppliedDiscreteValue, ErrValueOutOfRange)
		}
		cmd := transport.Command{
			Value:     int16(s.AppliedDiscreteValue),
			Timesteps: s.NumTimesteps,
			Marker:    s.MarkerOut,
			DigOut:    s.DigOut,
		}
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Value == cmd.Value && prev.Marker == cmd.Marker && prev.DigOut == cmd.DigOut &&
				uint64(prev.Timesteps)+uint64(cmd.Timesteps) <= math.MaxUint32 {
				prev.Timesteps += cmd.Timesteps
				continue
			}
		}
		out = append(out, cmd)
	}
	if len(out) > transport.CommandsPerRegion {
		return nil, fmt.Errorf("%d commands, max %d: %w", len(out), transport.CommandsPerRegion, ErrTooManyCommands)
	}
	out[len(out)-1].Last = true
	return out, nil
}

// ConfigureCommands compiles a waveform for one channel into the host copy
// of the waveform RAM.  Nothing is sent to the board until one of the
// CommandsToFPGA calls.
func (b *Board) ConfigureCommands(cc chip.ChipChannel, w *waveform.SimplifiedWaveform) error {
	if !cc.Valid(b.cfg.Chips) {
		return fmt.Errorf("%s: %w", cc, ErrInvalidChannel)
	}
	cmds, err := Compile(w)
	if err != nil {
		return fmt.Errorf("compiling waveform for %s: %w", cc, err)
	}
	b.Lock()
	defer b.Unlock()
	b.stage(cc, w, cmds)
	return nil
}

// ConfigurePerChipCommands compiles one waveform per channel of a chip.  A
// nil waveform leaves that channel's commands untouched.  Either every
// waveform is staged or none is.
func (b *Board) ConfigurePerChipCommands(c int, ws []*waveform.SimplifiedWaveform) error {
	if c < 0 || c >= b.cfg.Chips {
		return fmt.Errorf("chip %d: %w", c, ErrInvalidChannel)
	}
	if len(ws) > chip.ChannelsPerChip {
		return fmt.Errorf("%d waveforms for a %d channel chip: %w", len(ws), chip.ChannelsPerChip, ErrInvalidChannel)
	}
	compiled := make([][]transport.Command, len(ws))
	for i, w := range ws {
		if w == nil {
			continue
		}
		cmds, err := Compile(w)
		if err != nil {
			return fmt.Errorf("compiling waveform for %d:%d: %w", c, i, err)
		}
		compiled[i] = cmds
	}
	b.Lock()
	defer b.Unlock()
	for i, cmds := range compiled {
		if cmds != nil {
			b.stage(chip.ChipChannel{Chip: c, Channel: i}, ws[i], cmds)
		}
	}
	return nil
}

// stage writes commands into the RAM mirror.  Call with the lock held.
func (b *Board) stage(cc chip.ChipChannel, w *waveform.SimplifiedWaveform, cmds []transport.Command) {
	addr := transport.RegionAddr(cc)
	region := b.mirror[addr : addr+transport.RegionBytes]
	for i := range region {
		region[i] = 0
	}
	copy(region, transport.EncodeCommands(cmds))
	b.cmdLen[cc] = len(cmds)
	b.waveforms[cc] = w
	b.dirty[cc] = true
}

// Waveform returns the waveform last configured for a channel, or nil
func (b *Board) Waveform(cc chip.ChipChannel) *waveform.SimplifiedWaveform {
	b.Lock()
	defer b.Unlock()
	return b.waveforms[cc]
}

// Uploaded returns true if the channel's configured commands are on the board
func (b *Board) Uploaded(cc chip.ChipChannel) bool {
	b.Lock()
	defer b.Unlock()
	return b.isUploaded(cc)
}

func (b *Board) isUploaded(cc chip.ChipChannel) bool {
	_, ok := b.uploaded[cc]
	return ok && !b.dirty[cc]
}

// CommandsToFPGA uploads every channel whose commands changed since their
// last upload
func (b *Board) CommandsToFPGA() error {
	b.Lock()
	defer b.Unlock()
	var list chip.List
	for c := 0; c < b.cfg.Chips; c++ {
		for ch := 0; ch < chip.ChannelsPerChip; ch++ {
			cc := chip.ChipChannel{Chip: c, Channel: ch}
			if b.dirty[cc] {
				list = append(list, cc)
			}
		}
	}
	return b.upload(list)
}

// CommandsToFPGAChannels uploads the listed channels.  Other channels' RAM
// regions are not written.
func (b *Board) CommandsToFPGAChannels(list chip.List) error {
	if err := list.Validate(b.cfg.Chips); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	for _, cc := range list {
		if _, ok := b.cmdLen[cc]; !ok {
			return fmt.Errorf("%s: %w", cc, ErrNotConfigured)
		}
	}
	return b.upload(list.Unique())
}

// CommandsToFPGAPort uploads the configured channels of one chip
func (b *Board) CommandsToFPGAPort(c int) error {
	if c < 0 || c >= b.cfg.Chips {
		return fmt.Errorf("chip %d: %w", c, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	var list chip.List
	for ch := 0; ch < chip.ChannelsPerChip; ch++ {
		cc := chip.ChipChannel{Chip: c, Channel: ch}
		if _, ok := b.cmdLen[cc]; ok {
			list = append(list, cc)
		}
	}
	return b.upload(list)
}

// regionSum identifies the content of a RAM region upload
type regionSum struct {
	crc uint64
	n   int
}

// upload writes the used part of each channel's RAM region.  A region whose
// checksum matches its last upload is skipped.  Call with the lock held.
func (b *Board) upload(list chip.List) error {
	if b.state != Idle {
		return ErrRunning
	}
	for _, cc := range list {
		addr := transport.RegionAddr(cc)
		data := b.mirror[addr : addr+uint32(b.cmdLen[cc]*transport.CommandBytes)]
		sum := regionSum{crc: b.crcTable.CalculateCRC(data), n: len(data)}
		if prev, ok := b.uploaded[cc]; ok && prev == sum {
			b.dirty[cc] = false
			continue
		}
		if err := b.t.WriteRAM(addr, data); err != nil {
			return fmt.Errorf("uploading commands for %s: %w", cc, err)
		}
		b.uploaded[cc] = sum
		b.dirty[cc] = false
	}
	return nil
}
