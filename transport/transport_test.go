package transport

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nasa-jpl/patchclamp/chip"
)

func TestCommandEncodeDecode(t *testing.T) {
	cmds := []Command{
		{Value: -300, Timesteps: 70000, Marker: true},
		{Value: 12, Timesteps: 1, DigOut: true, Last: true},
	}
	b := EncodeCommands(cmds)
	if len(b) != 2*CommandBytes {
		t.Fatalf("expected %d bytes got %d", 2*CommandBytes, len(b))
	}
	for i, c := range cmds {
		got := DecodeCommand(b[i*CommandBytes:])
		if got != c {
			t.Errorf("command %d: expected %+v got %+v", i, c, got)
		}
	}
	if b[2] != 0x01 || b[CommandBytes+2] != 0x82 {
		t.Errorf("flag bytes wrong: %#x %#x", b[2], b[CommandBytes+2])
	}
}

func TestLoopEntry(t *testing.T) {
	cc := chip.ChipChannel{Chip: 5, Channel: 3}
	if got := DecodeLoopEntry(EncodeLoopEntry(cc)); got != cc {
		t.Errorf("expected %v got %v", cc, got)
	}
}

func TestAddressesDoNotOverlap(t *testing.T) {
	seen := map[uint16]string{}
	for c := 0; c < chip.MaxChips; c++ {
		for ch := 0; ch < chip.ChannelsPerChip; ch++ {
			for r := 0; r < chip.NumChannelRegisters; r++ {
				a := ChannelReg(chip.ChipChannel{c, ch}, r)
				if prev, ok := seen[a]; ok {
					t.Fatalf("channel register %#x already used by %s", a, prev)
				}
				seen[a] = "channel"
			}
		}
		for r := 0; r < chip.NumChipRegisters; r++ {
			a := ChipReg(c, r)
			if prev, ok := seen[a]; ok {
				t.Fatalf("chip register %#x already used by %s", a, prev)
			}
			seen[a] = "chip"
		}
	}
}

func programSim(t *testing.T, s *Sim, loop []chip.ChipChannel, budget uint32, continuous bool) {
	t.Helper()
	for i, cc := range loop {
		if err := s.WriteRegister(LoopOrderReg(i), EncodeLoopEntry(cc)); err != nil {
			t.Fatal(err)
		}
	}
	s.WriteRegister(RegLoopLength, uint32(len(loop)))
	s.WriteRegister(RegMaxTimestepLo, budget)
	var ctrl uint32 = 1 << CtrlRun
	if continuous {
		ctrl |= 1 << CtrlContinuous
	}
	s.WriteRegister(RegControl, ctrl|1<<CtrlTimestepReset)
}

func TestSimPlaysCommandsInLoopOrder(t *testing.T) {
	s := NewSim()
	s.FramesPerPoll = 4
	a := chip.ChipChannel{0, 0}
	b := chip.ChipChannel{1, 2}
	s.WriteRAM(RegionAddr(a), EncodeCommands([]Command{{Value: 10, Timesteps: 2}, {Value: 20, Timesteps: 1, Last: true}}))
	s.WriteRAM(RegionAddr(b), EncodeCommands([]Command{{Value: -4, Timesteps: 1, Last: true}}))
	programSim(t, s, []chip.ChipChannel{a, b}, 4, false)

	words, err := s.NumWordsInFIFO()
	if err != nil {
		t.Fatal(err)
	}
	fb := FrameBytes(2, NumADCs)
	if words*2 != 4*fb {
		t.Fatalf("expected %d bytes in FIFO got %d", 4*fb, words*2)
	}
	buf := make([]byte, 4*fb)
	n, _ := s.ReadFIFO(buf)
	if n != len(buf) {
		t.Fatalf("expected %d bytes got %d", len(buf), n)
	}
	expectA := []int16{10, 10, 20, 10}
	for i := 0; i < 4; i++ {
		f := buf[i*fb:]
		if ts := binary.LittleEndian.Uint32(f); ts != uint32(i) {
			t.Errorf("frame %d has timestep %d", i, ts)
		}
		clampA := int16(binary.LittleEndian.Uint16(f[4:]))
		measA := int16(binary.LittleEndian.Uint16(f[6:]))
		clampB := int16(binary.LittleEndian.Uint16(f[8:]))
		if clampA != expectA[i] || measA != expectA[i]/2 || clampB != -4 {
			t.Errorf("frame %d: got clamp %d measured %d and clamp %d", i, clampA, measA, clampB)
		}
	}
	// budget of 4 reached, the board stops itself
	s.NumWordsInFIFO()
	if s.Running() {
		t.Error("expected board to stop after its budget")
	}
	if s.Produced() != 4 {
		t.Errorf("expected 4 timesteps produced got %d", s.Produced())
	}
}

func TestSimPartialReadsAndReset(t *testing.T) {
	s := NewSim()
	s.MaxReadBytes = 7
	programSim(t, s, []chip.ChipChannel{{0, 0}}, 0, true)
	buf := make([]byte, 100)
	n, err := s.ReadFIFO(buf)
	if err != nil || n != 7 {
		t.Fatalf("expected a 7 byte read, got %d, %v", n, err)
	}
	s.WriteRegister(RegControl, 1<<CtrlFIFOReset)
	if s.Running() {
		t.Error("clearing the run bit did not stop the board")
	}
	words, _ := s.NumWordsInFIFO()
	if words != 0 {
		t.Errorf("expected empty FIFO after reset, got %d words", words)
	}
}

func TestSimReadError(t *testing.T) {
	s := NewSim()
	boom := errors.New("cable unplugged")
	s.ReadErr = boom
	if _, err := s.ReadFIFO(make([]byte, 8)); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	s.Close()
	if err := s.WriteRegister(RegControl, 0); err != ErrClosed {
		t.Errorf("expected ErrClosed got %v", err)
	}
}
