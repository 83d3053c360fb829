package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/util"
)

// RAMWrite records one WriteRAM call on a Sim
type RAMWrite struct {
	Addr uint32
	Len  int
}

// Sim is a software clamp board.  It plays the uploaded waveform commands of
// each channel in the loop order and produces FIFO frames lazily, as the FIFO
// is polled or read, so tests are deterministic.
//
// The measured value of each channel is Response(clamp); the ADCs read the
// low bits of the timestep plus the ADC index.
type Sim struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	// FramesPerPoll is how many timesteps the board advances each time the
	// FIFO is polled or read while running
	FramesPerPoll int

	// MaxReadBytes limits a single ReadFIFO; it need not be frame aligned.
	// Zero means no limit.
	MaxReadBytes int

	// FIFOCapacityWords is the FIFO depth; production stops when it is full
	FIFOCapacityWords int

	// Response maps a clamp value to the measured value
	Response func(cc chip.ChipChannel, clamp int16) int16

	// ReadErr, if not nil, is returned by ReadFIFO
	ReadErr error

	regs     map[uint16]uint32
	ram      []byte
	fifo     []byte
	timestep uint32
	produced uint64
	cursors  map[chip.ChipChannel]*cursor
	writes   []RAMWrite
	closed   bool
}

type cursor struct {
	idx       int
	remaining uint32
}

// NewSim returns a stopped simulated board with an empty FIFO
func NewSim() *Sim {
	return &Sim{
		FramesPerPoll:     16,
		FIFOCapacityWords: 1 << 20,
		regs:              make(map[uint16]uint32),
		ram:               make([]byte, RAMBytes),
		cursors:           make(map[chip.ChipChannel]*cursor),
	}
}

// WriteRegister implements Transport
func (s *Sim) WriteRegister(addr uint16, value uint32) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if addr != RegControl {
		s.regs[addr] = value
		return nil
	}
	old := s.regs[RegControl]
	if util.GetBit(uint16(value), CtrlFIFOReset) {
		s.fifo = s.fifo[:0]
		value = uint32(util.SetBit(uint16(value), CtrlFIFOReset, false))
	}
	if util.GetBit(uint16(value), CtrlTimestepReset) {
		s.timestep = 0
		value = uint32(util.SetBit(uint16(value), CtrlTimestepReset, false))
	}
	wasRunning := util.GetBit(uint16(old), CtrlRun)
	running := util.GetBit(uint16(value), CtrlRun)
	if running && !wasRunning {
		s.produced = 0
		s.cursors = make(map[chip.ChipChannel]*cursor)
	}
	s.regs[RegControl] = value
	s.regs[RegStatus] = uint32(util.SetBit(uint16(s.regs[RegStatus]), StatusRunning, running))
	return nil
}

// ReadRegister implements Transport
func (s *Sim) ReadRegister(addr uint16) (uint32, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if addr == RegFIFOWords {
		s.produce()
		return uint32(len(s.fifo) / 2), nil
	}
	return s.regs[addr], nil
}

// WriteRAM implements Transport
func (s *Sim) WriteRAM(addr uint32, data []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if int(addr)+len(data) > len(s.ram) {
		return fmt.Errorf("RAM write of %d bytes at %#x overruns %d byte RAM", len(data), addr, len(s.ram))
	}
	copy(s.ram[addr:], data)
	s.writes = append(s.writes, RAMWrite{Addr: addr, Len: len(data)})
	return nil
}

// ReadFIFO implements Transport
func (s *Sim) ReadFIFO(p []byte) (int, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.ReadErr != nil {
		return 0, s.ReadErr
	}
	s.produce()
	n := len(p)
	if s.MaxReadBytes > 0 && n > s.MaxReadBytes {
		n = s.MaxReadBytes
	}
	n = copy(p[:n], s.fifo)
	s.fifo = s.fifo[:copy(s.fifo, s.fifo[n:])]
	return n, nil
}

// NumWordsInFIFO implements Transport
func (s *Sim) NumWordsInFIFO() (int, error) {
	v, err := s.ReadRegister(RegFIFOWords)
	return int(v), err
}

// Close implements Transport
func (s *Sim) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}

// RAMWrites returns the WriteRAM calls made so far
func (s *Sim) RAMWrites() []RAMWrite {
	s.Lock()
	defer s.Unlock()
	out := make([]RAMWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// RAM returns a copy of n bytes of waveform RAM at addr
func (s *Sim) RAM(addr uint32, n int) []byte {
	s.Lock()
	defer s.Unlock()
	out := make([]byte, n)
	copy(out, s.ram[addr:])
	return out
}

// Running reports the run bit of the status register
func (s *Sim) Running() bool {
	s.Lock()
	defer s.Unlock()
	return util.GetBit(uint16(s.regs[RegStatus]), StatusRunning)
}

// Produced is the number of timesteps produced in the current or last run
func (s *Sim) Produced() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.produced
}

func (s *Sim) loopOrder() []chip.ChipChannel {
	n := int(s.regs[RegLoopLength])
	out := make([]chip.ChipChannel, n)
	for i := range out {
		out[i] = DecodeLoopEntry(s.regs[LoopOrderReg(i)])
	}
	return out
}

// produce advances the board by up to FramesPerPoll timesteps.  Call with
// the lock held.
func (s *Sim) produce() {
	ctrl := uint16(s.regs[RegControl])
	if !util.GetBit(ctrl, CtrlRun) {
		return
	}
	continuous := util.GetBit(ctrl, CtrlContinuous)
	budget := uint64(s.regs[RegMaxTimestepHi])<<32 | uint64(s.regs[RegMaxTimestepLo])
	loop := s.loopOrder()
	frameBytes := FrameBytes(len(loop), NumADCs)
	for i := 0; i < s.FramesPerPoll; i++ {
		if !continuous && s.produced >= budget {
			s.regs[RegControl] = uint32(util.SetBit(ctrl, CtrlRun, false))
			s.regs[RegStatus] = uint32(util.SetBit(uint16(s.regs[RegStatus]), StatusRunning, false))
			return
		}
		if (len(s.fifo)+frameBytes)/2 > s.FIFOCapacityWords {
			s.regs[RegStatus] = uint32(util.SetBit(uint16(s.regs[RegStatus]), StatusFIFOOverflow, true))
			return
		}
		s.fifo = s.appendFrame(s.fifo, loop)
		s.timestep++
		s.produced++
	}
}

func (s *Sim) appendFrame(b []byte, loop []chip.ChipChannel) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], s.timestep)
	b = append(b, tmp[:]...)

	// every channel plays one command step per timestep, however many times
	// it appears in the loop
	current := make(map[chip.ChipChannel]Command, len(loop))
	var dOut uint16
	for _, cc := range loop {
		if _, ok := current[cc]; ok {
			continue
		}
		cmd := s.step(cc)
		current[cc] = cmd
		if cmd.DigOut {
			dOut = util.SetBit(dOut, uint(cc.Index()%16), true)
		}
	}
	for _, cc := range loop {
		clamp := current[cc].Value
		measured := clamp / 2
		if s.Response != nil {
			measured = s.Response(cc, clamp)
		}
		binary.LittleEndian.PutUint16(tmp[:], uint16(clamp))
		binary.LittleEndian.PutUint16(tmp[2:], uint16(measured))
		b = append(b, tmp[:]...)
	}
	for a := 0; a < NumADCs; a++ {
		binary.LittleEndian.PutUint16(tmp[:], uint16(s.timestep)+uint16(a))
		b = append(b, tmp[:2]...)
	}
	binary.LittleEndian.PutUint16(tmp[:], uint16(s.timestep&0xFF))
	binary.LittleEndian.PutUint16(tmp[2:], dOut)
	return append(b, tmp[:]...)
}

// step returns the command a channel is playing this timestep and advances
// its cursor
func (s *Sim) step(cc chip.ChipChannel) Command {
	base := RegionAddr(cc)
	cur, ok := s.cursors[cc]
	if !ok {
		cur = &cursor{}
		s.cursors[cc] = cur
		cur.remaining = DecodeCommand(s.ram[base:]).Timesteps
	}
	off := base + uint32(cur.idx*CommandBytes)
	cmd := DecodeCommand(s.ram[off:])
	if cmd.Timesteps == 0 {
		// nothing uploaded, the DAC idles at zero
		return Command{}
	}
	cur.remaining--
	if cur.remaining == 0 {
		if cmd.Last || cur.idx+1 >= CommandsPerRegion {
			cur.idx = 0
		} else {
			cur.idx++
		}
		cur.remaining = DecodeCommand(s.ram[base+uint32(cur.idx*CommandBytes):]).Timesteps
	}
	return cmd
}
