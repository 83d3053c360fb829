package main

import (
	"context"
	"strings"
	"testing"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/transport"
)

const stimulusYAML = `
channels: ["0:0", "1:3"]
stepSize: 0.002
params:
  holdingValue: -10
  start: 20
  numCycles: 3
  timing:
    holdMs: 1
    stepMs: 1
`

func TestLoadStimulus(t *testing.T) {
	s, err := LoadStimulus(strings.NewReader(stimulusYAML))
	if err != nil {
		t.Fatal(err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if list.String() != "0:0,1:3" {
		t.Errorf("channels %s", list)
	}
	if s.Repetition != 1 || s.StepSize != 0.002 || s.Params.HoldingValue != -10 {
		t.Errorf("decoded %+v", s)
	}
	if _, err := LoadStimulus(strings.NewReader("params: {start: 1}")); err == nil {
		t.Error("a stimulus without channels was accepted")
	}
}

func TestRecordAndSummarize(t *testing.T) {
	s, err := LoadStimulus(strings.NewReader(stimulusYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg := board.DefaultConfig()
	cfg.Chips = 2
	tests := []struct {
		name      string
		timesteps uint64
		expected  int
	}{
		// 20 hold + 20 step per cycle, then a closing hold
		{"one cycle", 0, 3*40 + 20},
		{"fixed", 77, 77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, err := Record(context.Background(), transport.NewSim(), RecordOptions{
				Stimulus:  s,
				Board:     cfg,
				Timesteps: tt.timesteps,
				Dir:       t.TempDir(),
				Prefix:    "test",
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(paths) != 3 {
				t.Fatalf("wrote %v, expected two main files and an aux file", paths)
			}
			for i, p := range paths {
				sum, err := Summarize(p)
				if err != nil {
					t.Fatal(err)
				}
				if sum.Records != tt.expected {
					t.Errorf("%s has %d records, expected %d", p, sum.Records, tt.expected)
				}
				if sum.First != 0 || sum.Last != uint32(tt.expected-1) {
					t.Errorf("%s spans timesteps %d to %d", p, sum.First, sum.Last)
				}
				want := "main"
				if i == 2 {
					want = "aux"
				}
				if sum.Type != want {
					t.Errorf("%s is %s, expected %s", p, sum.Type, want)
				}
			}
		})
	}
}
