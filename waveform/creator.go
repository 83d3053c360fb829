package waveform

import "github.com/nasa-jpl/patchclamp/util"

// Creator builds waveforms for one channel's sample rate and scaling
type Creator struct {
	// SampleRate is in Hz
	SampleRate float64

	AppliedStepSize float64
	Offset          float64
	Interval        float64
}

// Timing is either a pulse frequency or explicit hold and step durations
type Timing struct {
	UseFrequency bool    `json:"useFrequency" yaml:"useFrequency"`
	Frequency    float64 `json:"frequency" yaml:"frequency"`
	HoldMs       float64 `json:"holdMs" yaml:"holdMs"`
	StepMs       float64 `json:"stepMs" yaml:"stepMs"`
}

// Params are the high level stimulus parameters of Create
type Params struct {
	HoldingValue int    `json:"holdingValue" yaml:"holdingValue"`
	Start        int    `json:"start" yaml:"start"`
	End          int    `json:"end" yaml:"end"`
	Step         int    `json:"step" yaml:"step"`
	Timing       Timing `json:"timing" yaml:"timing"`
	NumCycles    int    `json:"numCycles" yaml:"numCycles"`

	MultiStep       bool `json:"multiStep" yaml:"multiStep"`
	ReturnToHolding bool `json:"returnToHolding" yaml:"returnToHolding"`
	MarkerOut       bool `json:"markerOut" yaml:"markerOut"`
	DigOut          bool `json:"digOut" yaml:"digOut"`
}

func (c Creator) empty() *SimplifiedWaveform {
	return &SimplifiedWaveform{
		AppliedStepSize: c.AppliedStepSize,
		Offset:          c.Offset,
		Interval:        c.Interval,
	}
}

// Reps converts timing to a number of hold and step timesteps.
//
// With a frequency, one period is round(SampleRate/Frequency) timesteps, half
// of which (rounded down) is hold and the remainder step.  Otherwise each
// duration is scaled by the sample rate and rounded.
func (c Creator) Reps(t Timing) (hold, step int) {
	if t.UseFrequency {
		if t.Frequency <= 0 {
			return 0, 0
		}
		cycles := util.Round(c.SampleRate / t.Frequency)
		hold = cycles / 2
		return hold, cycles - hold
	}
	hold = util.Round(t.HoldMs / 1000 * c.SampleRate)
	step = util.Round(t.StepMs / 1000 * c.SampleRate)
	return hold, step
}

// Holding returns a waveform that sits at value for reps timesteps
func (c Creator) Holding(value, reps int) *SimplifiedWaveform {
	w := c.empty()
	w.append(Segment{AppliedDiscreteValue: value, NumTimesteps: uint32(reps)})
	return w
}

// PulseTrain returns numCycles repetitions of a hold followed by a pulse,
// closed by one more hold
func (c Creator) PulseTrain(holding, holdReps, pulse, stepReps, numCycles int) *SimplifiedWaveform {
	return c.pulseTrain(holding, holdReps, pulse, stepReps, numCycles, outputs{})
}

// outputs are the marker and digital output lines asserted during pulses
type outputs struct {
	marker, dig bool
}

// Create builds the waveform described by p.
//
// A multi-step request whose step is zero or points away from End is demoted
// to a pulse train at Start.
func (c Creator) Create(p Params) *SimplifiedWaveform {
	holdReps, stepReps := c.Reps(p.Timing)
	o := outputs{marker: p.MarkerOut, dig: p.DigOut}
	switch {
	case !p.MultiStep || demote(p.Start, p.End, p.Step):
		return c.pulseTrain(p.HoldingValue, holdReps, p.Start, stepReps, p.NumCycles, o)
	case p.ReturnToHolding:
		return c.multiStepReturning(p.HoldingValue, holdReps, stepReps, p.NumCycles, stepValues(p.Start, p.End, p.Step), o)
	default:
		return c.multiStepRamp(p.HoldingValue, holdReps, stepReps, p.NumCycles, stepValues(p.Start, p.End, p.Step), o)
	}
}

func (c Creator) pulseTrain(holding, holdReps, pulse, stepReps, numCycles int, o outputs) *SimplifiedWaveform {
	w := c.empty()
	for i := 0; i < numCycles; i++ {
		w.append(Segment{AppliedDiscreteValue: holding, NumTimesteps: uint32(holdReps)})
		w.append(Segment{
			AppliedDiscreteValue: pulse,
			NumTimesteps:         uint32(stepReps),
			TimestepOffset:       holdReps,
			MarkerOut:            o.marker,
			DigOut:               o.dig})
	}
	w.append(Segment{AppliedDiscreteValue: holding, NumTimesteps: uint32(holdReps)})
	return w
}

// multiStepReturning brackets every step with the hold split in two, so each
// cycle starts and ends at the holding level
func (c Creator) multiStepReturning(holding, holdReps, stepReps, numCycles int, values []int, o outputs) *SimplifiedWaveform {
	w := c.empty()
	first := holdReps / 2
	second := holdReps - first
	tOffset := 0
	for cyc := 0; cyc < numCycles; cyc++ {
		for i, v := range values {
			w.append(Segment{WaveformNumber: i, AppliedDiscreteValue: holding, NumTimesteps: uint32(first), TimestepOffset: tOffset})
			w.append(Segment{
				WaveformNumber:       i,
				AppliedDiscreteValue: v,
				NumTimesteps:         uint32(stepReps),
				TimestepOffset:       tOffset + first,
				MarkerOut:            o.marker,
				DigOut:               o.dig})
			w.append(Segment{WaveformNumber: i, AppliedDiscreteValue: holding, NumTimesteps: uint32(second), TimestepOffset: tOffset + first + stepReps})
			tOffset += holdReps + stepReps
		}
		tOffset -= len(values) * (holdReps + stepReps)
	}
	return w
}

// multiStepRamp plays the steps back to back, with one leading hold and a
// hold closing each cycle
func (c Creator) multiStepRamp(holding, holdReps, stepReps, numCycles int, values []int, o outputs) *SimplifiedWaveform {
	w := c.empty()
	w.append(Segment{AppliedDiscreteValue: holding, NumTimesteps: uint32(holdReps)})
	tOffset := 0
	for cyc := 0; cyc < numCycles; cyc++ {
		for i, v := range values {
			w.append(Segment{
				WaveformNumber:       i,
				AppliedDiscreteValue: v,
				NumTimesteps:         uint32(stepReps),
				TimestepOffset:       tOffset,
				MarkerOut:            o.marker,
				DigOut:               o.dig})
			tOffset += stepReps
		}
		w.append(Segment{WaveformNumber: len(values) - 1, AppliedDiscreteValue: holding, NumTimesteps: uint32(holdReps), TimestepOffset: tOffset})
		tOffset -= len(values) * stepReps
	}
	return w
}

func sign(i int) int {
	switch {
	case i > 0:
		return 1
	case i < 0:
		return -1
	default:
		return 0
	}
}

func demote(start, end, step int) bool {
	if step == 0 {
		return true
	}
	return end != start && sign(end-start) != sign(step)
}

// stepValues are start, start+step, ... up to and including end.  step must
// not be zero and must point toward end.
func stepValues(start, end, step int) []int {
	var out []int
	if step > 0 {
		for v := start; v <= end; v += step {
			out = append(out, v)
		}
	} else {
		for v := start; v >= end; v += step {
			out = append(out, v)
		}
	}
	return out
}
