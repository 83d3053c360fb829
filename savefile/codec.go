package savefile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/waveform"
)

var le = binary.LittleEndian

// enc appends little-endian values to a byte slice
type enc struct {
	b []byte
}

func (e *enc) u8(v uint8) { e.b = append(e.b, v) }
func (e *enc) u16(v uint16) { e.b = append(e.b, byte(v), byte(v>>8)) }
func (e *enc) i16(v int16) { e.u16(uint16(v)) }
func (e *enc) u32(v uint32) {
	var tmp [4]byte
	le.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}
func (e *enc) i32(v int32) { e.u32(uint32(v)) }
func (e *enc) f32(v float32) { e.u32(math.Float32bits(v)) }
func (e *enc) f64(v float64) {
	var tmp [8]byte
	le.PutUint64(tmp[:], math.Float64bits(v))
	e.b = append(e.b, tmp[:]...)
}

func (e *enc) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// dec reads little-endian values from a byte slice.  Once a read runs past
// the end, err is io.ErrUnexpectedEOF and every later read returns zero.
type dec struct {
	b   []byte
	off int
	err error
}

// zeros backs reads past the end; no read is wider than 8 bytes
var zeros [8]byte

func (d *dec) take(n int) []byte {
	if d.err != nil || d.off+n > len(d.b) {
		d.err = io.ErrUnexpectedEOF
		return zeros[:n]
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

func (d *dec) u8() uint8 { return d.take(1)[0] }
func (d *dec) u16() uint16 { return le.Uint16(d.take(2)) }
func (d *dec) i16() int16 { return int16(d.u16()) }
func (d *dec) u32() uint32 { return le.Uint32(d.take(4)) }
func (d *dec) i32() int32 { return int32(d.u32()) }
func (d *dec) f32() float32 { return math.Float32frombits(d.u32()) }
func (d *dec) f64() float64 { return math.Float64frombits(le.Uint64(d.take(8))) }
func (d *dec) bool() bool { return d.u8() != 0 }
func (d *dec) remaining() int { return len(d.b) - d.off }

func encodeTimeDate(e *enc, td TimeDate) {
	for _, v := range []int16{td.Year, td.Month, td.Day, td.Hour, td.Minute, td.Second} {
		e.i16(v)
	}
}

func decodeTimeDate(d *dec) TimeDate {
	return TimeDate{
		Year: d.i16(), Month: d.i16(), Day: d.i16(),
		Hour: d.i16(), Minute: d.i16(), Second: d.i16(),
	}
}

func encodeChips(e *enc, chips []chip.Registers) {
	e.u16(uint16(len(chips)))
	e.u16(chip.ChannelsPerChip)
	for _, c := range chips {
		for _, ch := range c.Channels {
			for _, r := range ch {
				e.u16(r)
			}
		}
		for _, r := range c.Global {
			e.u16(r)
		}
	}
}

// decodeChips reads the register snapshot.  Channels beyond
// chip.ChannelsPerChip are skipped; missing ones are left zero.
func decodeChips(d *dec) []chip.Registers {
	n := int(d.u16())
	perChip := int(d.u16())
	if d.err != nil {
		return nil
	}
	if n*(perChip*chip.NumChannelRegisters+chip.NumChipRegisters)*2 > d.remaining() {
		d.err = fmt.Errorf("%d chips of %d channels: %w", n, perChip, ErrCorruptHeader)
		return nil
	}
	out := make([]chip.Registers, n)
	for i := range out {
		for ch := 0; ch < perChip; ch++ {
			var regs chip.ChannelRegisters
			for r := range regs {
				regs[r] = d.u16()
			}
			if ch < chip.ChannelsPerChip {
				out[i].Channels[ch] = regs
			}
		}
		for r := range out[i].Global {
			out[i].Global[r] = d.u16()
		}
	}
	return out
}

func encodeSettings(e *enc, s Settings) {
	e.bool(s.CompensationEnabled)
	for _, v := range []float32{s.CompensationMagnitude, s.FilterCutoff, s.PipetteOffset, s.SamplingRate, s.Ra, s.Rm, s.Cm} {
		e.f32(v)
	}
	e.bool(s.VoltageClamp)
	e.bool(s.Range2x)
	if s.VoltageClamp {
		vc := s.VC
		for _, v := range []float32{vc.HoldingVoltage, vc.NominalResistance, vc.MeasuredResistance, vc.DesiredBandwidth, vc.ActualBandwidth} {
			e.f32(v)
		}
	} else {
		e.f32(s.CC.HoldingCurrent)
		e.f32(s.CC.StepSize)
	}
	encodeWaveform(e, s.Waveform)
}

func decodeSettings(d *dec) Settings {
	var s Settings
	s.CompensationEnabled = d.bool()
	s.CompensationMagnitude = d.f32()
	s.FilterCutoff = d.f32()
	s.PipetteOffset = d.f32()
	s.SamplingRate = d.f32()
	s.Ra = d.f32()
	s.Rm = d.f32()
	s.Cm = d.f32()
	s.VoltageClamp = d.bool()
	s.Range2x = d.bool()
	if s.VoltageClamp {
		s.VC = VoltageClampSettings{d.f32(), d.f32(), d.f32(), d.f32(), d.f32()}
	} else {
		s.CC = CurrentClampSettings{d.f32(), d.f32()}
	}
	s.Waveform = decodeWaveform(d)
	return s
}

// segmentBytes is the size of one serialized segment
const segmentBytes = 4 + 4 + 4 + 4 + 1 + 1

// encodeWaveform writes step size, offset, interval, then the segments.  A
// nil waveform is written with no segments.
func encodeWaveform(e *enc, w *waveform.SimplifiedWaveform) {
	if w == nil {
		w = &waveform.SimplifiedWaveform{}
	}
	e.f64(w.AppliedStepSize)
	e.f64(w.Offset)
	e.f64(w.Interval)
	e.u32(uint32(len(w.Segments)))
	for _, s := range w.Segments {
		e.i32(int32(s.WaveformNumber))
		e.i32(int32(s.AppliedDiscreteValue))
		e.u32(s.NumTimesteps)
		e.i32(int32(s.TimestepOffset))
		e.bool(s.MarkerOut)
		e.bool(s.DigOut)
	}
}

func decodeWaveform(d *dec) *waveform.SimplifiedWaveform {
	w := &waveform.SimplifiedWaveform{
		AppliedStepSize: d.f64(),
		Offset:          d.f64(),
		Interval:        d.f64(),
	}
	n := int(d.u32())
	if d.err != nil || n*segmentBytes > d.remaining() {
		d.err = io.ErrUnexpectedEOF
		return w
	}
	w.Segments = make([]waveform.Segment, n)
	for i := range w.Segments {
		w.Segments[i] = waveform.Segment{
			WaveformNumber:       int(d.i32()),
			AppliedDiscreteValue: int(d.i32()),
			NumTimesteps:         d.u32(),
			TimestepOffset:       int(d.i32()),
			MarkerOut:            d.bool(),
			DigOut:               d.bool(),
		}
	}
	return w
}
