package readqueue

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/nasa-jpl/patchclamp/chip"
)

func makeFrames(layout Layout, n int, start uint32) []byte {
	fb := layout.FrameBytes()
	out := make([]byte, fb*n)
	for i := 0; i < n; i++ {
		f := out[i*fb:]
		binary.LittleEndian.PutUint32(f, start+uint32(i))
		off := 4
		for j := range layout.LoopOrder {
			binary.LittleEndian.PutUint16(f[off:], uint16(int16(100*j+i)))
			binary.LittleEndian.PutUint16(f[off+2:], uint16(int16(-j)))
			off += 4
		}
		for a := 0; a < layout.NumADCs; a++ {
			binary.LittleEndian.PutUint16(f[off:], uint16(a))
			off += 2
		}
		binary.LittleEndian.PutUint16(f[off:], 0xAA)
		binary.LittleEndian.PutUint16(f[off+2:], 0x55)
	}
	return out
}

func TestLoopOrderPreserved(t *testing.T) {
	loop := chip.List{{0, 0}, {0, 1}, {1, 0}}
	layout := Layout{LoopOrder: loop, NumADCs: 8}
	q := New(layout, 4)
	gen := q.Reset(layout)
	col := &Collector{}
	q.AddConsumer(col)

	const N = 10
	n, err := q.Push(gen, makeFrames(layout, N, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n != N {
		t.Fatalf("expected %d frames got %d", N, n)
	}
	var samples []Sample
	for _, f := range col.Frames() {
		samples = append(samples, f.Samples...)
	}
	if len(samples) != N*len(loop) {
		t.Fatalf("expected %d samples got %d", N*len(loop), len(samples))
	}
	for i, s := range samples {
		if s.ChipChannel != loop[i%len(loop)] {
			t.Errorf("sample %d from %v, expected %v", i, s.ChipChannel, loop[i%len(loop)])
		}
	}
}

func TestPartialFramesAreCarried(t *testing.T) {
	layout := Layout{LoopOrder: chip.List{{0, 0}, {2, 3}}, NumADCs: 8}
	q := New(layout, 0)
	col := &Collector{}
	q.AddConsumer(col)
	gen := q.Generation()
	data := makeFrames(layout, 5, 40)
	// feed in awkward slices
	for len(data) > 0 {
		k := 7
		if k > len(data) {
			k = len(data)
		}
		if _, err := q.Push(gen, data[:k]); err != nil {
			t.Fatal(err)
		}
		data = data[k:]
	}
	frames := col.Frames()
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames got %d", len(frames))
	}
	for i, f := range frames {
		if f.Timestep != uint32(40+i) {
			t.Errorf("frame %d timestep %d", i, f.Timestep)
		}
		if f.Samples[1].Clamp != int16(100+i) || f.Samples[1].Measured != -1 {
			t.Errorf("frame %d sample wrong: %+v", i, f.Samples[1])
		}
		if f.DigitalIn != 0xAA || f.DigitalOut != 0x55 || f.ADC[7] != 7 {
			t.Errorf("frame %d aux wrong: %+v", i, f)
		}
	}
	if q.Pending() != 0 {
		t.Errorf("expected nothing carried, %d bytes pending", q.Pending())
	}
}

func TestChunksAreBounded(t *testing.T) {
	layout := Layout{LoopOrder: chip.List{{0, 0}}, NumADCs: 8}
	q := New(layout, 3)
	var sizes []int
	q.AddConsumer(ConsumerFunc(func(f []Frame) { sizes = append(sizes, len(f)) }))
	q.Push(q.Generation(), makeFrames(layout, 8, 0))
	expected := []int{3, 3, 2}
	if len(sizes) != len(expected) {
		t.Fatalf("expected chunks %v got %v", expected, sizes)
	}
	for i := range sizes {
		if sizes[i] != expected[i] {
			t.Errorf("expected chunks %v got %v", expected, sizes)
		}
	}
}

func TestResetDropsStaleData(t *testing.T) {
	layout := Layout{LoopOrder: chip.List{{0, 0}}, NumADCs: 8}
	q := New(layout, 0)
	col := &Collector{}
	q.AddConsumer(col)
	old := q.Generation()
	half := makeFrames(layout, 1, 0)
	q.Push(old, half[:5])
	q.Reset(layout)
	if q.Pending() != 0 {
		t.Error("reset kept carried bytes")
	}
	if _, err := q.Push(old, half[5:]); err != ErrStale {
		t.Errorf("expected ErrStale got %v", err)
	}
	if col.Len() != 0 {
		t.Errorf("stale data delivered %d frames", col.Len())
	}
}

func TestRepetitionIndex(t *testing.T) {
	a, b := chip.ChipChannel{0, 0}, chip.ChipChannel{0, 1}
	layout := Layout{LoopOrder: chip.List{a, b}.Repeat(2), NumADCs: 8}
	q := New(layout, 0)
	col := &Collector{}
	q.AddConsumer(col)
	q.Push(q.Generation(), makeFrames(layout, 1, 0))
	s := col.Frames()[0].Samples
	reps := []int{s[0].Repetition, s[1].Repetition, s[2].Repetition, s[3].Repetition}
	if reps[0] != 0 || reps[1] != 0 || reps[2] != 1 || reps[3] != 1 {
		t.Errorf("expected repetitions 0 0 1 1 got %v", reps)
	}
}

func TestChanDropsWhenFull(t *testing.T) {
	c := NewChan(1)
	c.Consume(make([]Frame, 2))
	c.Consume(make([]Frame, 3))
	if c.Dropped() != 3 {
		t.Errorf("expected 3 dropped got %d", c.Dropped())
	}
	if got := <-c.C; len(got) != 2 {
		t.Errorf("expected the first chunk, got %d frames", len(got))
	}
	c.Close()
	c.Consume(make([]Frame, 1))
	if _, ok := <-c.C; ok {
		t.Error("expected closed channel")
	}
}

func TestChanStallsBeforeDropping(t *testing.T) {
	c := NewChan(1)
	c.Stall = 5 * time.Second
	c.Consume(make([]Frame, 2))
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.C
	}()
	c.Consume(make([]Frame, 3))
	if c.Dropped() != 0 {
		t.Errorf("expected the chunk to wait for room, %d dropped", c.Dropped())
	}
	if got := <-c.C; len(got) != 3 {
		t.Errorf("expected the second chunk, got %d frames", len(got))
	}

	c.Stall = time.Millisecond
	c.Consume(make([]Frame, 1))
	c.Consume(make([]Frame, 4))
	if c.Dropped() != 4 {
		t.Errorf("expected 4 dropped after the stall, got %d", c.Dropped())
	}
	c.Close()
}
