package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/savefile"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/waveform"

	yml "gopkg.in/yaml.v2"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func root() {
	str := `clampctl works with patch-clamp recordings.

Usage:
	clampctl <command> [flags] [file]

Commands:
	info    print the header and record count of a .clp file
	fits    convert a main .clp file to FITS
	record  run a stimulus file on a board and record it
	version`
	fmt.Println(str)
}

// Stimulus is the YAML file given to record
type Stimulus struct {
	// Channels are "chip:channel" strings
	Channels   []string        `yaml:"channels"`
	Repetition int             `yaml:"repetition"`
	Params     waveform.Params `yaml:"params"`

	// StepSize and Offset convert discrete values to volts or amps
	StepSize float64 `yaml:"stepSize"`
	Offset   float64 `yaml:"offset"`
}

// LoadStimulus decodes a stimulus file
func LoadStimulus(r io.Reader) (Stimulus, error) {
	s := Stimulus{Repetition: 1, StepSize: 1e-3}
	err := yml.NewDecoder(r).Decode(&s)
	if err != nil {
		return s, err
	}
	if len(s.Channels) == 0 {
		return s, errors.New("stimulus names no channels")
	}
	return s, nil
}

// List parses the channels of the stimulus
func (s Stimulus) List() (chip.List, error) {
	return chip.ParseList(strings.Join(s.Channels, ","))
}

// FileSummary describes a save file
type FileSummary struct {
	Path    string             `yaml:"path"`
	Type    string             `yaml:"type"`
	Version string             `yaml:"version"`
	Time    time.Time          `yaml:"time"`
	Records int                `yaml:"records"`
	First   uint32             `yaml:"firstTimestep"`
	Last    uint32             `yaml:"lastTimestep"`
	Chips   int                `yaml:"chips,omitempty"`
	NumADCs int                `yaml:"numADCs,omitempty"`
	Rate    float32            `yaml:"samplingRate"`
	Main    *savefile.Settings `yaml:"settings,omitempty"`
}

// Summarize reads a whole save file
func Summarize(path string) (FileSummary, error) {
	r, err := savefile.Open(path)
	if err != nil {
		return FileSummary{}, err
	}
	defer r.Close()
	sum := FileSummary{Path: path}
	note := func(ts uint32) {
		if sum.Records == 0 {
			sum.First = ts
		}
		sum.Last = ts
		sum.Records++
	}
	switch r.Type {
	case savefile.MainHeader:
		h := r.Main
		sum.Type = "main"
		sum.Version = h.Version.String()
		sum.Time = h.Time.Time(time.Local)
		sum.Chips = len(h.Chips)
		sum.Rate = h.Settings.SamplingRate
		sum.Main = &h.Settings
		for {
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return sum, err
			}
			note(rec.Timestep)
		}
	case savefile.AuxHeader:
		h := r.Aux
		sum.Type = "aux"
		sum.Version = h.Version.String()
		sum.Time = h.Time.Time(time.Local)
		sum.NumADCs = int(h.NumADCs)
		sum.Rate = h.SamplingRate
		for {
			rec, err := r.NextAux()
			if err == io.EOF {
				break
			}
			if err != nil {
				return sum, err
			}
			note(rec.Timestep)
		}
	}
	return sum, nil
}

func info(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal("info: no files given")
	}
	for _, path := range fs.Args() {
		sum, err := Summarize(path)
		if err != nil {
			log.Fatalf("%s: %v", path, err)
		}
		err = yml.NewEncoder(os.Stdout).Encode(sum)
		if err != nil {
			log.Fatal(err)
		}
	}
}

func fits(args []string) {
	fs := flag.NewFlagSet("fits", flag.ExitOnError)
	out := fs.String("o", "", "output file, defaults to the input with .fits")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("fits: give exactly one main file")
	}
	in := fs.Arg(0)
	if *out == "" {
		*out = strings.TrimSuffix(in, ".clp") + ".fits"
	}
	r, err := savefile.Open(in)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	if r.Type != savefile.MainHeader {
		log.Fatalf("%s is not a main file", in)
	}
	recs, err := r.ReadAll()
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := savefile.ExportFITS(f, r.Main, recs); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %d records to %s", len(recs), *out)
}

// RecordOptions describe one recording made by record
type RecordOptions struct {
	Stimulus  Stimulus
	Board     board.Config
	Timesteps uint64
	Dir       string
	Prefix    string

	// Progress, if not nil, is called with the board stats as the run is read
	Progress func(board.Stats)
}

// Record stages the stimulus, runs it for Timesteps, or one cycle if zero,
// and records every channel.  It returns the paths written.
func Record(ctx context.Context, t transport.Transport, o RecordOptions) ([]string, error) {
	list, err := o.Stimulus.List()
	if err != nil {
		return nil, err
	}
	b, err := board.New(t, o.Board)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	if o.Progress != nil {
		b.OnStats(o.Progress)
	}
	if err := b.SetChannelRepetition(o.Stimulus.Repetition); err != nil {
		return nil, err
	}
	if err := b.EnableChannels(list, o.Stimulus.Repetition > 1); err != nil {
		return nil, err
	}
	cr := waveform.Creator{SampleRate: o.Board.SampleRate, AppliedStepSize: o.Stimulus.StepSize, Offset: o.Stimulus.Offset}
	wf := cr.Create(o.Stimulus.Params)
	settings := make(map[chip.ChipChannel]savefile.Settings)
	scales := make(map[chip.ChipChannel]savefile.Scale)
	for _, cc := range list.Unique() {
		if err := b.ConfigureCommands(cc, wf); err != nil {
			return nil, fmt.Errorf("%s: %w", cc, err)
		}
		regs, _ := b.ChannelRegisters(cc)
		settings[cc] = savefile.Settings{
			SamplingRate: float32(o.Board.SampleRate),
			VoltageClamp: regs.VoltageClamp(),
			Range2x:      regs.Range2x(),
			Waveform:     wf,
		}
		scales[cc] = savefile.Scale{Clamp: o.Stimulus.StepSize, Measured: 1}
	}
	if err := b.CommandsToFPGA(); err != nil {
		return nil, err
	}

	rec, err := savefile.StartRecorder(savefile.RecorderConfig{
		Dir:          o.Dir,
		Prefix:       o.Prefix,
		Channels:     list,
		Registers:    b.Registers(),
		Settings:     settings,
		Scales:       scales,
		NumADCs:      transport.NumADCs,
		SamplingRate: float32(o.Board.SampleRate),
	})
	if err != nil {
		return nil, err
	}
	b.Queue().AddConsumer(rec.Consumer())

	n := o.Timesteps
	if n == 0 {
		err = b.RunOneCycle(list[0].Chip, 0)
		n = wf.TotalDuration()
	} else {
		err = b.RunFixed(n)
	}
	if err == nil {
		_, err = b.BlockingRead(ctx, int(n))
	}
	b.Queue().RemoveConsumer(rec.Consumer())
	if cerr := rec.Close(); err == nil {
		err = cerr
	}
	return rec.Paths(), err
}

func record(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	stim := fs.String("stim", "stimulus.yml", "stimulus file")
	n := fs.Uint64("n", 0, "timesteps to record, 0 for one cycle of the stimulus")
	dir := fs.String("dir", ".", "output directory")
	prefix := fs.String("prefix", "clamp", "file name prefix")
	mock := fs.Bool("mock", false, "use a simulated board")
	chips := fs.Int("chips", 1, "chips on the board")
	rate := fs.Float64("rate", 20e3, "sample rate, Hz")
	vid := fs.Uint("vid", 0x04B4, "USB vendor ID")
	pid := fs.Uint("pid", 0x1004, "USB product ID")
	fs.Parse(args)

	f, err := os.Open(*stim)
	if err != nil {
		log.Fatal(err)
	}
	s, err := LoadStimulus(f)
	f.Close()
	if err != nil {
		log.Fatalf("%s: %v", *stim, err)
	}

	var t transport.Transport
	if *mock {
		t = transport.NewSim()
	} else {
		t, err = transport.OpenUSB(uint16(*vid), uint16(*pid))
		if err != nil {
			log.Fatal(err)
		}
	}
	cfg := board.DefaultConfig()
	cfg.Chips = *chips
	cfg.SampleRate = *rate

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " recording",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	paths, err := Record(context.Background(), t, RecordOptions{
		Stimulus:  s,
		Board:     cfg,
		Timesteps: *n,
		Dir:       *dir,
		Prefix:    *prefix,
		Progress: func(st board.Stats) {
			spinner.Message(fmt.Sprintf("%d timesteps, FIFO %.1f%%", st.TimestepsRead, st.PercentageFull))
		},
	})
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("%d files", len(paths)))
	spinner.Stop()
	for _, p := range paths {
		fmt.Println(p)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	switch strings.ToLower(args[1]) {
	case "info":
		info(args[2:])
	case "fits":
		fits(args[2:])
	case "record":
		record(args[2:])
	case "version":
		fmt.Printf("clampctl version %v\n", Version)
	case "help":
		root()
	default:
		log.Fatal("unknown command")
	}
}
