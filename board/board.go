/*Package board drives a clamp board through a transport.Transport.

A Board owns the host-side mirror of everything on the device: chip
registers, the channel loop order, the waveform RAM, DAC and marker
bindings, and the run state.  One goroutine reads samples (Read,
BlockingRead, Pump); any number of others may configure the board
concurrently.  Mutating calls serialize on the board's mutex, which is never
held while waiting on the sample FIFO or while samples are demultiplexed.
*/
package board

import (
	"fmt"
	"sync"
	"time"

	"github.com/snksoft/crc"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/readqueue"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/waveform"
)

// Config is the static description of a board
type Config struct {
	// Chips is the number of amplifier chips populated
	Chips int `json:"chips" yaml:"chips" koanf:"chips"`

	// SampleRate is the timestep rate in Hz
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate" koanf:"sampleRate"`

	// FIFOCapacityWords is the depth of the device FIFO in 16-bit words
	FIFOCapacityWords int `json:"fifoCapacityWords" yaml:"fifoCapacityWords" koanf:"fifoCapacityWords"`

	// ReadChunkFrames bounds the frames demultiplexed per queue lock
	ReadChunkFrames int `json:"readChunkFrames" yaml:"readChunkFrames" koanf:"readChunkFrames"`

	// ReadBufferBytes is the largest single FIFO read
	ReadBufferBytes int `json:"readBufferBytes" yaml:"readBufferBytes" koanf:"readBufferBytes"`

	// StatsInterval is the minimum time between stats notifications
	StatsInterval time.Duration `json:"statsInterval" yaml:"statsInterval" koanf:"statsInterval"`
}

// DefaultConfig is a single-chip board at 20 kHz
func DefaultConfig() Config {
	return Config{
		Chips:             1,
		SampleRate:        20e3,
		FIFOCapacityWords: 1 << 22,
		ReadChunkFrames:   readqueue.DefaultChunkFrames,
		ReadBufferBytes:   1 << 16,
		StatsInterval:     100 * time.Millisecond,
	}
}

// Board is the host side of one clamp board
type Board struct {
	// embedded mutex serializes every mutating operation
	sync.Mutex

	t     transport.Transport
	cfg   Config
	queue *readqueue.Queue

	// loop configuration
	list       chip.List
	loop       chip.List
	allowMulti bool
	repetition int

	// register mirror
	regs []chip.Registers

	// waveform RAM mirror and upload bookkeeping
	mirror    []byte
	cmdLen    map[chip.ChipChannel]int
	waveforms map[chip.ChipChannel]*waveform.SimplifiedWaveform
	dirty     map[chip.ChipChannel]bool
	uploaded  map[chip.ChipChannel]regionSum
	crcTable  *crc.Table

	// run state.  gen is the queue generation and changes on every flush;
	// runID changes only when a run starts or stops.
	state     State
	mode      Mode
	ctrl      uint16
	budget    uint64
	read      uint64
	completed bool
	gen       uint64
	runID     uint64
	stopped   chan struct{}
	started   chan struct{}
	flushed   chan struct{}

	// stats, refreshed by reads only
	stats   Stats
	hooks   []func(Stats)
	limiter *rate.Limiter

	dacs    [transport.NumDACs]*Binding
	markers [transport.NumMarkers]*chip.ChipChannel
	markOn  uint32

	// readMu serializes readers and owns buf
	readMu sync.Mutex
	buf    []byte
}

// New returns a board driving t.  The board is idle with no channels
// enabled; no device I/O is performed beyond stopping any run in progress.
func New(t transport.Transport, cfg Config) (*Board, error) {
	if cfg.Chips < 1 || cfg.Chips > chip.MaxChips {
		return nil, fmt.Errorf("board with %d chips: %w", cfg.Chips, ErrInvalidChannel)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", cfg.SampleRate)
	}
	def := DefaultConfig()
	if cfg.FIFOCapacityWords <= 0 {
		cfg.FIFOCapacityWords = def.FIFOCapacityWords
	}
	if cfg.ReadChunkFrames <= 0 {
		cfg.ReadChunkFrames = def.ReadChunkFrames
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = def.ReadBufferBytes
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	b := &Board{
		t:          t,
		cfg:        cfg,
		queue:      readqueue.New(readqueue.Layout{NumADCs: transport.NumADCs}, cfg.ReadChunkFrames),
		repetition: 1,
		regs:       make([]chip.Registers, cfg.Chips),
		mirror:     make([]byte, transport.RAMBytes),
		cmdLen:     make(map[chip.ChipChannel]int),
		waveforms:  make(map[chip.ChipChannel]*waveform.SimplifiedWaveform),
		dirty:      make(map[chip.ChipChannel]bool),
		uploaded:   make(map[chip.ChipChannel]regionSum),
		crcTable:   crc.NewTable(crc.XMODEM),
		started:    make(chan struct{}),
		flushed:    make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Every(cfg.StatsInterval), 1),
		buf:        make([]byte, cfg.ReadBufferBytes),
	}
	if err := t.WriteRegister(transport.RegControl, 0); err != nil {
		return nil, fmt.Errorf("stopping board: %w", err)
	}
	if err := t.WriteRegister(transport.RegSampleRate, uint32(cfg.SampleRate)); err != nil {
		return nil, fmt.Errorf("setting sample rate: %w", err)
	}
	return b, nil
}

// Config returns the board configuration
func (b *Board) Config() Config {
	return b.cfg
}

// Queue returns the read queue samples are demultiplexed into.  Register
// consumers on it to receive frames.
func (b *Board) Queue() *readqueue.Queue {
	return b.queue
}

// Close stops any run and closes the transport
func (b *Board) Close() error {
	err := b.Stop()
	if err2 := b.t.Close(); err == nil {
		err = err2
	}
	return err
}

// Registers returns a copy of the chip register mirror
func (b *Board) Registers() []chip.Registers {
	b.Lock()
	defer b.Unlock()
	out := make([]chip.Registers, len(b.regs))
	copy(out, b.regs)
	return out
}

// ChannelRegisters returns a copy of one channel's register mirror
func (b *Board) ChannelRegisters(cc chip.ChipChannel) (chip.ChannelRegisters, error) {
	if !cc.Valid(b.cfg.Chips) {
		return chip.ChannelRegisters{}, fmt.Errorf("%s: %w", cc, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	return b.regs[cc.Chip].Channels[cc.Channel], nil
}

// ConfigureChannel applies f to a channel's register mirror and writes the
// registers that changed.  If a write fails the mirror keeps the registers
// that made it to the device.
func (b *Board) ConfigureChannel(cc chip.ChipChannel, f func(*chip.ChannelRegisters)) error {
	if !cc.Valid(b.cfg.Chips) {
		return fmt.Errorf("%s: %w", cc, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	cur := &b.regs[cc.Chip].Channels[cc.Channel]
	next := *cur
	f(&next)
	for i := range next {
		if next[i] == cur[i] {
			continue
		}
		if err := b.t.WriteRegister(transport.ChannelReg(cc, i), uint32(next[i])); err != nil {
			return fmt.Errorf("configuring %s register %d: %w", cc, i, err)
		}
		cur[i] = next[i]
	}
	return nil
}

// PowerChip powers a chip up or down
func (b *Board) PowerChip(c int, on bool) error {
	if c < 0 || c >= b.cfg.Chips {
		return fmt.Errorf("chip %d: %w", c, ErrInvalidChannel)
	}
	b.Lock()
	defer b.Unlock()
	next := b.regs[c]
	next.SetPowered(on)
	next.SetID(c)
	if err := b.t.WriteRegister(transport.ChipReg(c, 0), uint32(next.Global[0])); err != nil {
		return fmt.Errorf("powering chip %d: %w", c, err)
	}
	b.regs[c] = next
	return nil
}
