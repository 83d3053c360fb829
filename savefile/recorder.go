package savefile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/readqueue"
)

// FileName is the main file of one channel of a recording started at t.
// Chips are lettered from A.
func FileName(dir, prefix string, t time.Time, cc chip.ChipChannel) string {
	name := fmt.Sprintf("%s_%s_%c%d.clp", prefix, t.Format("20060102_150405"), 'A'+rune(cc.Chip), cc.Channel)
	return filepath.Join(dir, name)
}

// AuxFileName is the auxiliary file of a recording started at t
func AuxFileName(dir, prefix string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_aux.clp", prefix, t.Format("20060102_150405")))
}

// Scale converts raw clamp and measured values to physical units
type Scale struct {
	Clamp    float64 `json:"clamp"`
	Measured float64 `json:"measured"`
}

// RecorderConfig describes a recording
type RecorderConfig struct {
	Dir    string
	Prefix string
	Start  time.Time

	// Channels are recorded one file each
	Channels chip.List

	Registers []chip.Registers
	Settings  map[chip.ChipChannel]Settings
	Scales    map[chip.ChipChannel]Scale

	NumADCs      int
	SamplingRate float32

	// Repeating is passed to each Writer's SetRepeating
	Repeating bool

	BlockSize int

	// Depth is the number of frame chunks buffered between the acquisition
	// goroutine and the recorder
	Depth int

	// Stall is how long the acquisition goroutine waits for the recorder
	// before a chunk is dropped.  Defaults to DefaultStall.
	Stall time.Duration
}

// DefaultStall is the default RecorderConfig.Stall
const DefaultStall = 5 * time.Second

// Recorder streams frames from a read queue to save files on its own
// goroutine.  It holds no lock shared with the board.
type Recorder struct {
	cfg   RecorderConfig
	in    *readqueue.Chan
	main  map[chip.ChipChannel]*Writer
	aux   *AuxWriter
	paths []string
	done  chan struct{}

	frames uint64

	// err is owned by the recorder goroutine until done is closed
	err error

	ts       map[chip.ChipChannel][]uint32
	clamp    map[chip.ChipChannel][]float64
	measured map[chip.ChipChannel][]float64
}

// StartRecorder creates the files of a recording, writes their headers, and
// starts the recorder goroutine.  Add Consumer() to the board's queue to
// feed it.
func StartRecorder(cfg RecorderConfig) (*Recorder, error) {
	chans := cfg.Channels.Unique()
	if len(chans) == 0 {
		return nil, chip.ErrEmptyList
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if cfg.Stall <= 0 {
		cfg.Stall = DefaultStall
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	r := &Recorder{
		cfg:      cfg,
		in:       readqueue.NewChan(cfg.Depth),
		main:     make(map[chip.ChipChannel]*Writer, len(chans)),
		done:     make(chan struct{}),
		ts:       make(map[chip.ChipChannel][]uint32, len(chans)),
		clamp:    make(map[chip.ChipChannel][]float64, len(chans)),
		measured: make(map[chip.ChipChannel][]float64, len(chans)),
	}
	td := NewTimeDate(cfg.Start)
	for _, cc := range chans {
		path := FileName(cfg.Dir, cfg.Prefix, cfg.Start, cc)
		f, err := os.Create(path)
		if err != nil {
			r.closeFiles()
			return nil, err
		}
		w := NewWriter(f, cfg.BlockSize)
		w.SetRepeating(cfg.Repeating)
		r.main[cc] = w
		r.paths = append(r.paths, path)
		h := HeaderData{Time: td, Chips: cfg.Registers, Settings: cfg.Settings[cc]}
		if err := w.WriteHeader(h); err != nil {
			r.closeFiles()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	path := AuxFileName(cfg.Dir, cfg.Prefix, cfg.Start)
	f, err := os.Create(path)
	if err != nil {
		r.closeFiles()
		return nil, err
	}
	r.aux = NewAuxWriter(f, cfg.BlockSize)
	r.paths = append(r.paths, path)
	err = r.aux.WriteHeader(AuxHeaderData{Time: td, NumADCs: uint16(cfg.NumADCs), SamplingRate: cfg.SamplingRate})
	if err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.in.Stall = cfg.Stall
	go r.run()
	return r, nil
}

// Consumer is the queue consumer that feeds the recorder
func (r *Recorder) Consumer() readqueue.Consumer {
	return r.in
}

// Paths are the files being written, main files first
func (r *Recorder) Paths() []string {
	return append([]string(nil), r.paths...)
}

// Frames is the number of frames written so far
func (r *Recorder) Frames() uint64 {
	return atomic.LoadUint64(&r.frames)
}

// Dropped is the number of frames lost because the recorder fell behind
func (r *Recorder) Dropped() uint64 {
	return r.in.Dropped()
}

// Close stops accepting frames, writes out everything received, and closes
// the files.  Remove the consumer from the queue before calling Close.  A
// recording that lost frames returns ErrFramesDropped.
func (r *Recorder) Close() error {
	r.in.Close()
	<-r.done
	err := r.closeFiles()
	if r.err != nil {
		return r.err
	}
	if err != nil {
		return err
	}
	if d := r.Dropped(); d > 0 {
		return fmt.Errorf("%d frames: %w", d, ErrFramesDropped)
	}
	return nil
}

func (r *Recorder) closeFiles() error {
	var first error
	for _, w := range r.main {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.aux != nil {
		if err := r.aux.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Recorder) run() {
	defer close(r.done)
	for frames := range r.in.C {
		if r.err != nil {
			continue
		}
		if err := r.write(frames); err != nil {
			log.Printf("recorder: %v, discarding the rest of the recording", err)
			r.err = err
		}
	}
}

func (r *Recorder) write(frames []readqueue.Frame) error {
	for cc := range r.main {
		r.ts[cc] = r.ts[cc][:0]
		r.clamp[cc] = r.clamp[cc][:0]
		r.measured[cc] = r.measured[cc][:0]
	}
	for _, f := range frames {
		for _, s := range f.Samples {
			if _, ok := r.main[s.ChipChannel]; !ok {
				continue
			}
			sc := r.cfg.Scales[s.ChipChannel]
			r.ts[s.ChipChannel] = append(r.ts[s.ChipChannel], f.Timestep)
			r.clamp[s.ChipChannel] = append(r.clamp[s.ChipChannel], float64(s.Clamp)*sc.Clamp)
			r.measured[s.ChipChannel] = append(r.measured[s.ChipChannel], float64(s.Measured)*sc.Measured)
		}
		adc := f.ADC
		if len(adc) > r.cfg.NumADCs {
			adc = adc[:r.cfg.NumADCs]
		}
		if err := r.aux.WriteData(f.Timestep, f.DigitalIn, f.DigitalOut, adc); err != nil {
			return err
		}
	}
	for cc, w := range r.main {
		if err := w.WriteData(r.ts[cc], r.clamp[cc], r.measured[cc]); err != nil {
			return fmt.Errorf("channel %s: %w", cc, err)
		}
	}
	atomic.AddUint64(&r.frames, uint64(len(frames)))
	return nil
}
