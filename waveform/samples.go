package waveform

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nasa-jpl/patchclamp/util"
)

// ErrZeroStepSize is generated when physical samples cannot be quantised
var ErrZeroStepSize = errors.New("applied step size must be nonzero")

// FromSamples run-length encodes one discrete value per timestep
func (c Creator) FromSamples(samples []int) *SimplifiedWaveform {
	w := c.empty()
	if len(samples) == 0 {
		return w
	}
	cur := Segment{AppliedDiscreteValue: samples[0], NumTimesteps: 1}
	for i := 1; i < len(samples); i++ {
		if samples[i] == cur.AppliedDiscreteValue {
			cur.NumTimesteps++
			continue
		}
		w.append(cur)
		cur = Segment{AppliedDiscreteValue: samples[i], NumTimesteps: 1, TimestepOffset: i}
	}
	w.append(cur)
	return w
}

// LoadCSV reads one physical value per row from the first column of r,
// quantises each to the creator's step size and offset, and run-length
// encodes the result.  Blank lines and lines starting with # are skipped.
func (c Creator) LoadCSV(r io.Reader) (*SimplifiedWaveform, error) {
	if c.AppliedStepSize == 0 {
		return nil, ErrZeroStepSize
	}
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var samples []int
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading stimulus csv: %w", err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("stimulus csv record %d: %w", line, err)
		}
		samples = append(samples, util.Round((f-c.Offset)/c.AppliedStepSize))
	}
	return c.FromSamples(samples), nil
}
