// Package waveform holds the run-length description of a clamp stimulus and
// the compiler that builds one from pulse, multi-step, holding, or sampled
// parameters.
//
// A waveform is a list of segments, each a constant discrete value held for a
// number of timesteps.  Discrete values are in device steps; AppliedStepSize
// and Offset convert them to volts or amps.
package waveform

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmpty is generated when a waveform has no duration
	ErrEmpty = errors.New("waveform has zero total duration")

	// ErrZeroLengthSegment is generated when a segment lasts zero timesteps
	ErrZeroLengthSegment = errors.New("segment has zero timesteps")
)

// Segment is one run of constant output
type Segment struct {
	// WaveformNumber groups the segments of one logical step
	WaveformNumber int `json:"waveformNumber"`

	// AppliedDiscreteValue is the output level in device steps
	AppliedDiscreteValue int `json:"appliedDiscreteValue"`

	// NumTimesteps is the length of the run in sample periods, > 0
	NumTimesteps uint32 `json:"numTimesteps"`

	// TimestepOffset is where the segment begins within its cycle
	TimestepOffset int `json:"timestepOffset"`

	MarkerOut bool `json:"markerOut"`
	DigOut    bool `json:"digOut"`
}

// SimplifiedWaveform is an ordered list of segments, in playback order
type SimplifiedWaveform struct {
	Segments []Segment `json:"segments"`

	// AppliedStepSize is volts or amps per device step
	AppliedStepSize float64 `json:"appliedStepSize"`

	// Offset is added after scaling, e.g. the pipette offset
	Offset float64 `json:"offset"`

	// Interval is the repeat period in seconds, if the protocol is periodic
	Interval float64 `json:"interval"`
}

// TotalDuration is the sum of the segment lengths
func (w *SimplifiedWaveform) TotalDuration() uint64 {
	var sum uint64
	for _, s := range w.Segments {
		sum += uint64(s.NumTimesteps)
	}
	return sum
}

// Validate checks that the waveform may be uploaded to a board
func (w *SimplifiedWaveform) Validate() error {
	for i, s := range w.Segments {
		if s.NumTimesteps == 0 {
			return fmt.Errorf("segment %d: %w", i, ErrZeroLengthSegment)
		}
	}
	if w.TotalDuration() == 0 {
		return ErrEmpty
	}
	return nil
}

// Physical converts a discrete value to physical units
func (w *SimplifiedWaveform) Physical(discrete int) float64 {
	return float64(discrete)*w.AppliedStepSize + w.Offset
}

// SegmentAt returns the index of the segment that contains timestep t.
// Timesteps at or past the end resolve to the last segment.  -1 is returned
// for a waveform without segments.
func (w *SimplifiedWaveform) SegmentAt(t uint64) int {
	if len(w.Segments) == 0 {
		return -1
	}
	var end uint64
	for i, s := range w.Segments {
		end += uint64(s.NumTimesteps)
		if t < end {
			return i
		}
	}
	return len(w.Segments) - 1
}

// Applied maps each absolute timestep to the physical value of the segment
// containing it.  Timesteps at or past the total duration take the value of
// the last segment.  The timestamps need not be sorted.
func (w *SimplifiedWaveform) Applied(timestamps []uint32) []float64 {
	out := make([]float64, len(timestamps))
	if len(w.Segments) == 0 {
		for i := range out {
			out[i] = w.Offset
		}
		return out
	}
	ends := w.ends()
	last := len(w.Segments) - 1
	for i, t := range timestamps {
		idx := sort.Search(len(ends), func(j int) bool { return ends[j] > uint64(t) })
		if idx > last {
			idx = last
		}
		out[i] = w.Physical(w.Segments[idx].AppliedDiscreteValue)
	}
	return out
}

// AppliedRepeating is Applied for a waveform that replays from the start
// each time it finishes, as in a continuous run
func (w *SimplifiedWaveform) AppliedRepeating(timestamps []uint32) []float64 {
	total := w.TotalDuration()
	if total == 0 {
		return w.Applied(timestamps)
	}
	wrapped := make([]uint32, len(timestamps))
	for i, t := range timestamps {
		wrapped[i] = uint32(uint64(t) % total)
	}
	return w.Applied(wrapped)
}

// Samples expands the waveform into one discrete value per timestep
func (w *SimplifiedWaveform) Samples() []int {
	out := make([]int, 0, w.TotalDuration())
	for _, s := range w.Segments {
		for i := uint32(0); i < s.NumTimesteps; i++ {
			out = append(out, s.AppliedDiscreteValue)
		}
	}
	return out
}

// ends are the exclusive end timesteps of each segment
func (w *SimplifiedWaveform) ends() []uint64 {
	ends := make([]uint64, len(w.Segments))
	var end uint64
	for i, s := range w.Segments {
		end += uint64(s.NumTimesteps)
		ends[i] = end
	}
	return ends
}

// append adds a segment, dropping it if it has no length
func (w *SimplifiedWaveform) append(s Segment) {
	if s.NumTimesteps == 0 {
		return
	}
	w.Segments = append(w.Segments, s)
}
