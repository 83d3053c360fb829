package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/knadh/koanf"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/generichttp/clamp"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/waveform"
)

func TestEnvironmentOverridesDefaults(t *testing.T) {
	k = koanf.New(".")
	t.Setenv("CLAMPSRV_BOARD__CHIPS", "3")
	t.Setenv("CLAMPSRV_DATADIR", "/data")
	setupconfig()
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		t.Fatal(err)
	}
	if c.Board.Chips != 3 {
		t.Errorf("board.chips = %d, expected 3", c.Board.Chips)
	}
	if c.DataDir != "/data" {
		t.Errorf("dataDir = %q, expected /data", c.DataDir)
	}
	if c.Addr != ":8000" || c.Board.SampleRate != 20e3 {
		t.Errorf("defaults lost: %+v", c)
	}
	if c.Board.StatsInterval != 100*time.Millisecond {
		t.Errorf("board.statsInterval = %v", c.Board.StatsInterval)
	}
}

func TestMuxServesBoardAndMetrics(t *testing.T) {
	c := defaults()
	b, err := board.New(transport.NewSim(), c.Board)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	h := clamp.NewHTTPBoard(b, waveform.Creator{SampleRate: c.Board.SampleRate, AppliedStepSize: c.StepSize}, t.TempDir())
	srv := httptest.NewServer(BuildMux(c, h))
	defer srv.Close()
	for _, path := range []string{"/clamp/state", "/clamp/endpoints", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: %s", path, resp.Status)
		}
	}
}
