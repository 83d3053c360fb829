package transport

import (
	"encoding/binary"

	"github.com/nasa-jpl/patchclamp/chip"
)

// registers
const (
	RegControl        uint16 = 0x00
	RegMaxTimestepLo  uint16 = 0x01
	RegMaxTimestepHi  uint16 = 0x02
	RegLoopLength     uint16 = 0x03
	RegRepetition     uint16 = 0x04
	RegStatus         uint16 = 0x05
	RegSampleRate     uint16 = 0x06
	RegFIFOWords      uint16 = 0x07
	RegMarkerEnable   uint16 = 0x08
	RegLoopOrderBase  uint16 = 0x100
	RegDACBase        uint16 = 0x200
	RegMarkerDestBase uint16 = 0x210
	RegChipBase       uint16 = 0x400
)

// control register bits
const (
	CtrlRun            = 0
	CtrlContinuous     = 1
	CtrlFIFOReset      = 2
	CtrlTimestepReset  = 3
	StatusRunning      = 0
	StatusFIFOOverflow = 1
)

const (
	// NumADCs is the number of auxiliary ADC inputs sampled every timestep
	NumADCs = 8

	// NumDACs is the number of auxiliary DAC outputs
	NumDACs = 8

	// NumMarkers is the number of digital marker lines
	NumMarkers = 8

	// MaxLoopLength is the most entries the channel loop order can hold
	MaxLoopLength = 128

	// CommandBytes is the size of one encoded waveform command
	CommandBytes = 8

	// CommandsPerRegion is the capacity of one channel's RAM region
	CommandsPerRegion = 1024

	// RegionBytes is the size of one channel's RAM region
	RegionBytes = CommandBytes * CommandsPerRegion

	// RAMBytes is the size of the waveform RAM
	RAMBytes = RegionBytes * chip.MaxChips * chip.ChannelsPerChip

	chipRegStride = 0x40
)

// LoopOrderReg is the register holding loop entry i
func LoopOrderReg(i int) uint16 {
	return RegLoopOrderBase + uint16(i)
}

// EncodeLoopEntry packs a channel into a loop order register value
func EncodeLoopEntry(cc chip.ChipChannel) uint32 {
	return uint32(cc.Chip)<<8 | uint32(cc.Channel)
}

// DecodeLoopEntry is the inverse of EncodeLoopEntry
func DecodeLoopEntry(v uint32) chip.ChipChannel {
	return chip.ChipChannel{Chip: int(v >> 8 & 0xFF), Channel: int(v & 0xFF)}
}

// ChannelReg is the address of raw register reg of a chip channel
func ChannelReg(cc chip.ChipChannel, reg int) uint16 {
	return RegChipBase + uint16(cc.Chip*chipRegStride+cc.Channel*chip.NumChannelRegisters+reg)
}

// ChipReg is the address of chip-wide register reg
func ChipReg(c, reg int) uint16 {
	return RegChipBase + uint16(c*chipRegStride+chip.ChannelsPerChip*chip.NumChannelRegisters+reg)
}

// RegionAddr is the byte address of a channel's waveform RAM region
func RegionAddr(cc chip.ChipChannel) uint32 {
	return uint32(cc.Index() * RegionBytes)
}

// Command is one waveform RAM entry: hold Value for Timesteps
type Command struct {
	Value     int16
	Timesteps uint32
	Marker    bool
	DigOut    bool

	// Last marks the end of the program; playback wraps to the first command
	Last bool
}

const (
	cmdMarker = 1 << 0
	cmdDigOut = 1 << 1
	cmdLast   = 1 << 7
)

// Encode writes the command into b, which must be CommandBytes long.
//
//	0-1 value, int16
//	2   flags, bit0 marker, bit1 digital out, bit7 last
//	3   reserved
//	4-7 timesteps, uint32
func (c Command) Encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], uint16(c.Value))
	var flags byte
	if c.Marker {
		flags |= cmdMarker
	}
	if c.DigOut {
		flags |= cmdDigOut
	}
	if c.Last {
		flags |= cmdLast
	}
	b[2] = flags
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:], c.Timesteps)
}

// DecodeCommand is the inverse of Command.Encode
func DecodeCommand(b []byte) Command {
	flags := b[2]
	return Command{
		Value:     int16(binary.LittleEndian.Uint16(b[0:])),
		Timesteps: binary.LittleEndian.Uint32(b[4:]),
		Marker:    flags&cmdMarker != 0,
		DigOut:    flags&cmdDigOut != 0,
		Last:      flags&cmdLast != 0,
	}
}

// EncodeCommands packs a command list for upload
func EncodeCommands(cmds []Command) []byte {
	out := make([]byte, len(cmds)*CommandBytes)
	for i, c := range cmds {
		c.Encode(out[i*CommandBytes:])
	}
	return out
}

// FrameBytes is the size of one FIFO frame, the data of one timestep.
//
//	uint32 timestep
//	per loop entry: int16 clamp, int16 measured
//	numADCs x uint16 ADC
//	uint16 digital in, uint16 digital out
func FrameBytes(loopLength, numADCs int) int {
	return 4 + 4*loopLength + 2*numADCs + 4
}
