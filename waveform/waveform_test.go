package waveform_test

import (
	"strings"
	"testing"

	c "github.com/smartystreets/goconvey/convey"

	"github.com/nasa-jpl/patchclamp/waveform"
)

func sum(w *waveform.SimplifiedWaveform) uint64 {
	var s uint64
	for _, seg := range w.Segments {
		s += uint64(seg.NumTimesteps)
	}
	return s
}

func TestPulseTrain(t *testing.T) {
	c.Convey("Given a creator at 10 kHz", t, func() {
		cr := waveform.Creator{SampleRate: 10e3, AppliedStepSize: 1e-3}
		c.Convey("a 3 cycle pulse train with hold 10 and step 5", func() {
			w := cr.PulseTrain(0, 10, 50, 5, 3)
			c.Convey("has 7 segments lasting 55 timesteps", func() {
				c.So(len(w.Segments), c.ShouldEqual, 7)
				c.So(w.TotalDuration(), c.ShouldEqual, 55)
				c.So(sum(w), c.ShouldEqual, w.TotalDuration())
			})
			c.Convey("alternates hold and pulse and ends on hold", func() {
				for i, seg := range w.Segments[:6] {
					if i%2 == 0 {
						c.So(seg.AppliedDiscreteValue, c.ShouldEqual, 0)
						c.So(seg.NumTimesteps, c.ShouldEqual, 10)
						c.So(seg.TimestepOffset, c.ShouldEqual, 0)
					} else {
						c.So(seg.AppliedDiscreteValue, c.ShouldEqual, 50)
						c.So(seg.NumTimesteps, c.ShouldEqual, 5)
						c.So(seg.TimestepOffset, c.ShouldEqual, 10)
					}
				}
				c.So(w.Segments[6].AppliedDiscreteValue, c.ShouldEqual, 0)
				c.So(w.Segments[6].NumTimesteps, c.ShouldEqual, 10)
			})
			c.Convey("carries the creator scaling", func() {
				c.So(w.AppliedStepSize, c.ShouldEqual, 1e-3)
				c.So(w.Validate(), c.ShouldBeNil)
			})
		})
	})
}

func TestMultiStepReturnToHolding(t *testing.T) {
	c.Convey("Given a multi-step 0..20 by 10 returning to holding", t, func() {
		cr := waveform.Creator{SampleRate: 1000}
		p := waveform.Params{
			Start: 0, End: 20, Step: 10,
			Timing:          waveform.Timing{HoldMs: 10, StepMs: 5},
			NumCycles:       1,
			MultiStep:       true,
			ReturnToHolding: true,
			MarkerOut:       true,
		}
		w := cr.Create(p)
		c.Convey("there is a hold/pulse/hold triple per value", func() {
			c.So(len(w.Segments), c.ShouldEqual, 9)
			for i, v := range []int{0, 10, 20} {
				h1, pulse, h2 := w.Segments[3*i], w.Segments[3*i+1], w.Segments[3*i+2]
				c.So(h1.NumTimesteps, c.ShouldEqual, 5)
				c.So(pulse.AppliedDiscreteValue, c.ShouldEqual, v)
				c.So(pulse.NumTimesteps, c.ShouldEqual, 5)
				c.So(h2.NumTimesteps, c.ShouldEqual, 5)
				c.So(pulse.WaveformNumber, c.ShouldEqual, i)
				c.So(pulse.TimestepOffset, c.ShouldEqual, i*15+5)
			}
		})
		c.Convey("the ends are half holds at the holding level", func() {
			first, last := w.Segments[0], w.Segments[8]
			c.So(first.AppliedDiscreteValue, c.ShouldEqual, 0)
			c.So(first.NumTimesteps, c.ShouldEqual, 5)
			c.So(last.NumTimesteps, c.ShouldEqual, 5)
			c.So(w.TotalDuration(), c.ShouldEqual, 45)
		})
		c.Convey("markers are asserted on pulses only", func() {
			for i, seg := range w.Segments {
				c.So(seg.MarkerOut, c.ShouldEqual, i%3 == 1)
			}
		})
	})
}

func TestMultiStepOverlay(t *testing.T) {
	c.Convey("Given two cycles of a multi-step returning to holding", t, func() {
		cr := waveform.Creator{SampleRate: 1000}
		w := cr.Create(waveform.Params{
			HoldingValue: -7, Start: 1, End: 3, Step: 1,
			Timing:    waveform.Timing{HoldMs: 4, StepMs: 2},
			NumCycles: 2, MultiStep: true, ReturnToHolding: true,
		})
		c.Convey("the second cycle overlays the first exactly", func() {
			half := len(w.Segments) / 2
			c.So(len(w.Segments), c.ShouldEqual, 18)
			for i := 0; i < half; i++ {
				c.So(w.Segments[i+half].TimestepOffset, c.ShouldEqual, w.Segments[i].TimestepOffset)
				c.So(w.Segments[i+half].WaveformNumber, c.ShouldEqual, w.Segments[i].WaveformNumber)
			}
		})
	})
}

func TestMultiStepRamp(t *testing.T) {
	c.Convey("Given a multi-step ramp that does not return to holding", t, func() {
		cr := waveform.Creator{SampleRate: 1000}
		w := cr.Create(waveform.Params{
			HoldingValue: 0, Start: 30, End: 10, Step: -10,
			Timing:    waveform.Timing{HoldMs: 10, StepMs: 5},
			NumCycles: 2, MultiStep: true,
		})
		c.Convey("one leading hold precedes the steps and a hold closes each cycle", func() {
			values := []int{}
			for _, seg := range w.Segments {
				values = append(values, seg.AppliedDiscreteValue)
			}
			c.So(values, c.ShouldResemble, []int{0, 30, 20, 10, 0, 30, 20, 10, 0})
			c.So(w.TotalDuration(), c.ShouldEqual, 10+2*(3*5+10))
		})
		c.Convey("step offsets restart each cycle", func() {
			c.So(w.Segments[1].TimestepOffset, c.ShouldEqual, 0)
			c.So(w.Segments[5].TimestepOffset, c.ShouldEqual, 0)
			c.So(w.Segments[4].TimestepOffset, c.ShouldEqual, 15)
		})
	})
}

func TestStepSignDemotion(t *testing.T) {
	c.Convey("Given a multi-step whose step points away from the end", t, func() {
		cr := waveform.Creator{SampleRate: 1000}
		p := waveform.Params{
			HoldingValue: 0, Start: 20, End: 0, Step: 10,
			Timing:    waveform.Timing{HoldMs: 10, StepMs: 5},
			NumCycles: 3, MultiStep: true, ReturnToHolding: true,
		}
		w := cr.Create(p)
		c.Convey("it falls back to a pulse train at the start value", func() {
			c.So(len(w.Segments), c.ShouldEqual, 7)
			c.So(w.Segments[1].AppliedDiscreteValue, c.ShouldEqual, 20)
			c.So(w.TotalDuration(), c.ShouldEqual, 55)
		})
		c.Convey("a zero step is demoted the same way", func() {
			p.Step = 0
			w := cr.Create(p)
			c.So(len(w.Segments), c.ShouldEqual, 7)
		})
	})
}

func TestReps(t *testing.T) {
	c.Convey("Given a creator at 20 kHz", t, func() {
		cr := waveform.Creator{SampleRate: 20e3}
		c.Convey("a frequency splits one period into hold and step", func() {
			hold, step := cr.Reps(waveform.Timing{UseFrequency: true, Frequency: 3000})
			// round(20000/3000) = 7
			c.So(hold, c.ShouldEqual, 3)
			c.So(step, c.ShouldEqual, 4)
		})
		c.Convey("explicit durations are scaled and rounded", func() {
			hold, step := cr.Reps(waveform.Timing{HoldMs: 1.01, StepMs: 0.5})
			c.So(hold, c.ShouldEqual, 20)
			c.So(step, c.ShouldEqual, 10)
		})
	})
}

func TestApplied(t *testing.T) {
	c.Convey("Given a scaled pulse train", t, func() {
		cr := waveform.Creator{SampleRate: 1000, AppliedStepSize: 0.5, Offset: 1}
		w := cr.PulseTrain(2, 3, 10, 2, 1)
		c.Convey("every timestep inside the waveform resolves to its segment", func() {
			ts := []uint32{0, 2, 3, 4, 5, 7}
			c.So(w.Applied(ts), c.ShouldResemble, []float64{2, 2, 6, 6, 2, 2})
			for i := uint64(0); i < w.TotalDuration(); i++ {
				c.So(w.SegmentAt(i), c.ShouldBeBetweenOrEqual, 0, len(w.Segments)-1)
			}
		})
		c.Convey("timesteps past the end clamp to the last segment", func() {
			c.So(w.Applied([]uint32{8, 1000}), c.ShouldResemble, []float64{2, 2})
		})
		c.Convey("a repeating waveform wraps instead", func() {
			c.So(w.AppliedRepeating([]uint32{11, 8}), c.ShouldResemble, []float64{6, 2})
		})
	})
}

func TestFromSamplesAndCSV(t *testing.T) {
	c.Convey("Given arbitrary samples", t, func() {
		cr := waveform.Creator{SampleRate: 1000, AppliedStepSize: 0.01}
		samples := []int{0, 0, 5, 5, 5, -1, 0}
		w := cr.FromSamples(samples)
		c.Convey("they are run-length encoded without loss", func() {
			c.So(len(w.Segments), c.ShouldEqual, 4)
			c.So(w.Samples(), c.ShouldResemble, samples)
			c.So(w.Segments[2].TimestepOffset, c.ShouldEqual, 5)
		})
		c.Convey("a CSV of physical values quantises to the same segments", func() {
			in := "# stimulus\n0\n0.001\n0.05\n0.049, ignored\n0.05\n-0.01\n\n0\n"
			w2, err := cr.LoadCSV(strings.NewReader(in))
			c.So(err, c.ShouldBeNil)
			c.So(w2.Samples(), c.ShouldResemble, samples)
		})
		c.Convey("a malformed CSV reports the record", func() {
			_, err := cr.LoadCSV(strings.NewReader("0\nabc\n"))
			c.So(err, c.ShouldNotBeNil)
		})
	})
}

func TestValidate(t *testing.T) {
	c.Convey("An empty waveform cannot be uploaded", t, func() {
		w := &waveform.SimplifiedWaveform{}
		c.So(w.Validate(), c.ShouldEqual, waveform.ErrEmpty)
		w.Segments = []waveform.Segment{{NumTimesteps: 0}}
		c.So(w.Validate(), c.ShouldNotBeNil)
	})
}
