package savefile_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/readqueue"
	"github.com/nasa-jpl/patchclamp/savefile"
	"github.com/nasa-jpl/patchclamp/waveform"
)

func testHeader(vc bool) savefile.HeaderData {
	regs := make([]chip.Registers, 2)
	regs[1].Channels[2].SetHolding(-55)
	regs[1].SetPowered(true)
	cr := waveform.Creator{SampleRate: 20e3, AppliedStepSize: 2e-3, Offset: 0.01}
	return savefile.HeaderData{
		Time:  savefile.NewTimeDate(time.Date(2024, 3, 9, 14, 5, 59, 0, time.UTC)),
		Chips: regs,
		Settings: savefile.Settings{
			CompensationEnabled:   true,
			CompensationMagnitude: 1.5,
			FilterCutoff:          5000,
			SamplingRate:          20000,
			Ra:                    10e6,
			VoltageClamp:          vc,
			VC:                    savefile.VoltageClampSettings{HoldingVoltage: -0.07, ActualBandwidth: 2e3},
			CC:                    savefile.CurrentClampSettings{HoldingCurrent: 1e-12, StepSize: 5e-12},
			Waveform:              cr.PulseTrain(0, 10, 50, 5, 3),
		},
	}
}

func TestHeaderSizeMatchesBytesWritten(t *testing.T) {
	for _, vc := range []bool{true, false} {
		path := filepath.Join(t.TempDir(), "cell.clp")
		w, err := savefile.Create(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(testHeader(vc)))
		require.NoError(t, w.WriteData([]uint32{0, 1, 2}, []float64{1, 2, 3}, []float64{4, 5, 6}))
		require.NoError(t, w.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		const recordBytes = 28
		headerBytes := len(raw) - 3*recordBytes
		size := int(raw[10]) | int(raw[11])<<8
		require.Equal(t, headerBytes, size)
		require.Equal(t, []byte{0x81, 0xA4, 0xB1, 0xF3}, raw[:4])
	}
}

func TestMainRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := savefile.NewWriter(&buf, 64)
	h := testHeader(true)
	require.NoError(t, w.WriteHeader(h))
	ts := []uint32{0, 10, 12, 54, 200}
	require.NoError(t, w.WriteData(ts, []float64{0, 1, 2, 3, 4}, []float64{-1, -2, -3, -4, -5}))
	require.NoError(t, w.Close())
	require.EqualValues(t, 5, w.Records())

	r, err := savefile.NewReader(&buf)
	require.NoError(t, err)
	require.Equal(t, savefile.MainHeader, r.Type)
	got := r.Main
	require.Equal(t, savefile.CurrentVersion, got.Version)
	require.Equal(t, h.Time, got.Time)
	require.Equal(t, h.Chips, got.Chips)
	require.Equal(t, -55, got.Chips[1].Channels[2].Holding())
	require.Equal(t, h.Settings.VC, got.Settings.VC)
	require.Equal(t, savefile.CurrentClampSettings{}, got.Settings.CC, "only the active mode block is stored")
	require.Equal(t, h.Settings.Waveform, got.Settings.Waveform)

	recs, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 5)
	wf := h.Settings.Waveform
	applied := wf.Applied(ts)
	for i, rec := range recs {
		require.Equal(t, ts[i], rec.Timestep)
		require.InDelta(t, applied[i], rec.Applied, 1e-12)
		require.Equal(t, float64(i), rec.Clamp)
		require.Equal(t, -float64(i+1), rec.Measured)
	}
	// timestep 10 is in the first pulse, 200 is past the end and held at
	// the last hold
	require.InDelta(t, 50*2e-3+0.01, recs[1].Applied, 1e-12)
	require.InDelta(t, 0.01, recs[4].Applied, 1e-12)
}

func TestRepeatingApplied(t *testing.T) {
	var buf bytes.Buffer
	w := savefile.NewWriter(&buf, 0)
	w.SetRepeating(true)
	require.NoError(t, w.WriteHeader(testHeader(false)))
	// 55 + 10 wraps into the first pulse
	require.NoError(t, w.WriteData([]uint32{65}, []float64{0}, []float64{0}))
	require.NoError(t, w.Close())
	r, err := savefile.NewReader(&buf)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	require.InDelta(t, 50*2e-3+0.01, rec.Applied, 1e-12)
}

func TestWriteDiscipline(t *testing.T) {
	var buf bytes.Buffer
	w := savefile.NewWriter(&buf, 0)
	require.Equal(t, savefile.ErrNoHeader, w.WriteData([]uint32{0}, []float64{0}, []float64{0}))
	require.NoError(t, w.WriteHeader(testHeader(true)))
	require.Equal(t, savefile.ErrHeaderWritten, w.WriteHeader(testHeader(true)))
	require.NoError(t, w.Flush())
	before := buf.Len()

	err := w.WriteData([]uint32{0, 1}, []float64{0, 1}, []float64{0})
	require.True(t, errors.Is(err, savefile.ErrSizeMismatch))
	require.NoError(t, w.Flush())
	require.Equal(t, before, buf.Len(), "a mismatched write must not write anything")
	require.Zero(t, w.Records())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, savefile.ErrClosed, w.WriteData(nil, nil, nil))
}

// countingWriter records the size of every Write
type countingWriter struct {
	bytes.Buffer
	writes []int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes = append(c.writes, len(p))
	return c.Buffer.Write(p)
}

func TestBlocksHoldWholeRecords(t *testing.T) {
	cw := &countingWriter{}
	h := testHeader(true)
	hdr, err := savefile.EncodeHeader(h)
	require.NoError(t, err)
	// room for the header and two and a half records
	w := savefile.NewWriter(cw, len(hdr)+70)
	require.NoError(t, w.WriteHeader(h))
	n := 9
	ts := make([]uint32, n)
	v := make([]float64, n)
	require.NoError(t, w.WriteData(ts, v, v))
	require.NoError(t, w.Close())
	require.Equal(t, len(hdr)+28*2, cw.writes[0])
	for _, size := range cw.writes[1:] {
		require.Zero(t, size%28, "write of %d bytes splits a record", size)
	}
	require.Equal(t, len(hdr)+28*n, cw.Len())
}

func TestAuxRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aux.clp")
	w, err := savefile.CreateAux(path)
	require.NoError(t, err)
	h := savefile.AuxHeaderData{Time: savefile.NewTimeDate(time.Now()), NumADCs: 3, SamplingRate: 30e3}
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteData(7, 0x1, 0x8000, []uint16{1, 2, 3}))
	require.True(t, errors.Is(w.WriteData(8, 0, 0, []uint16{1}), savefile.ErrSizeMismatch))
	require.NoError(t, w.WriteData(8, 0x2, 0, []uint16{4, 5, 6}))
	require.NoError(t, w.Close())

	r, err := savefile.Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, savefile.AuxHeader, r.Type)
	require.EqualValues(t, 3, r.Aux.NumADCs)
	require.EqualValues(t, 30e3, r.Aux.SamplingRate)
	require.EqualValues(t, 30, r.Aux.Size)
	_, err = r.Next()
	require.Equal(t, savefile.ErrWrongHeaderType, err)

	rec, err := r.NextAux()
	require.NoError(t, err)
	require.Equal(t, savefile.AuxRecord{Timestep: 7, DigitalIn: 1, DigitalOut: 0x8000, ADC: []uint16{1, 2, 3}}, rec)
	rec, err = r.NextAux()
	require.NoError(t, err)
	require.EqualValues(t, 8, rec.Timestep)
	_, err = r.NextAux()
	require.Equal(t, io.EOF, err)
}

func TestReaderSkipsUnknownHeaderTail(t *testing.T) {
	hdr, err := savefile.EncodeHeader(testHeader(true))
	require.NoError(t, err)
	// a newer minor version appended six bytes to the header
	hdr = append(hdr, 1, 2, 3, 4, 5, 6)
	hdr[6] = 3
	size := len(hdr)
	hdr[10], hdr[11] = byte(size), byte(size>>8)

	var buf bytes.Buffer
	buf.Write(hdr)
	var w bytes.Buffer
	sw := savefile.NewWriter(&w, 0)
	require.NoError(t, sw.WriteHeader(testHeader(true)))
	require.NoError(t, sw.WriteData([]uint32{3}, []float64{9}, []float64{8}))
	require.NoError(t, sw.Close())
	orig, _ := savefile.EncodeHeader(testHeader(true))
	buf.Write(w.Bytes()[len(orig):])

	r, err := savefile.NewReader(&buf)
	require.NoError(t, err)
	require.Equal(t, savefile.Version{Major: 1, Minor: 3}, r.Main.Version)
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(3), rec.Timestep)
	require.Equal(t, 9., rec.Clamp)
}

func TestReaderRejects(t *testing.T) {
	hdr, err := savefile.EncodeHeader(testHeader(true))
	require.NoError(t, err)
	newer := append([]byte(nil), hdr...)
	newer[4] = 2
	_, err = savefile.NewReader(bytes.NewReader(newer))
	require.True(t, errors.Is(err, savefile.ErrUnsupportedVersion))

	bad := append([]byte(nil), hdr...)
	bad[0] = 0
	_, err = savefile.NewReader(bytes.NewReader(bad))
	require.Equal(t, savefile.ErrBadMagic, err)

	_, err = savefile.NewReader(bytes.NewReader(hdr[:len(hdr)-3]))
	require.Error(t, err)
}

func TestReaderRejectsImpossibleChipCounts(t *testing.T) {
	hdr, err := savefile.EncodeHeader(testHeader(true))
	require.NoError(t, err)
	// prefix, size and time date, then chip and channel counts of 0xFFFF
	buf := append([]byte(nil), hdr[:28]...)
	buf[10], buf[11] = 28, 0
	for i := 24; i < 28; i++ {
		buf[i] = 0xFF
	}
	done := make(chan error, 1)
	go func() {
		_, err := savefile.NewReader(bytes.NewReader(buf))
		done <- err
	}()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, savefile.ErrCorruptHeader), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not reject the header")
	}
}

func TestVersionOrdering(t *testing.T) {
	a := savefile.Version{Major: 1, Minor: 9}
	b := savefile.Version{Major: 2, Minor: 0}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, b.AtLeast(a))
	require.True(t, a.AtLeast(a))
	require.False(t, a.Less(a))
}

func TestHeaderTooLarge(t *testing.T) {
	h := testHeader(true)
	h.Settings.Waveform = &waveform.SimplifiedWaveform{Segments: make([]waveform.Segment, 4000)}
	_, err := savefile.EncodeHeader(h)
	require.True(t, errors.Is(err, savefile.ErrHeaderTooLarge))
}

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	a := chip.ChipChannel{Chip: 0, Channel: 1}
	b := chip.ChipChannel{Chip: 1, Channel: 0}
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	rec, err := savefile.StartRecorder(savefile.RecorderConfig{
		Dir: dir, Prefix: "cell", Start: start,
		Channels:     chip.List{a, b},
		Registers:    make([]chip.Registers, 2),
		Settings:     map[chip.ChipChannel]savefile.Settings{a: testHeader(true).Settings},
		Scales:       map[chip.ChipChannel]savefile.Scale{a: {Clamp: 0.5, Measured: 2}, b: {Clamp: 1, Measured: 1}},
		NumADCs:      2,
		SamplingRate: 20e3,
	})
	require.NoError(t, err)

	layout := readqueue.Layout{LoopOrder: chip.List{a, b}, NumADCs: 8}
	var frames []readqueue.Frame
	for ts := uint32(0); ts < 5; ts++ {
		frames = append(frames, readqueue.Frame{
			Timestep: ts,
			Samples: []readqueue.Sample{
				{ChipChannel: layout.LoopOrder[0], Clamp: int16(ts), Measured: -int16(ts)},
				{ChipChannel: layout.LoopOrder[1], Clamp: 100, Measured: 7},
			},
			ADC:       make([]uint16, 8),
			DigitalIn: uint16(ts),
		})
	}
	rec.Consumer().Consume(frames[:2])
	rec.Consumer().Consume(frames[2:])
	require.NoError(t, rec.Close())
	require.EqualValues(t, 5, rec.Frames())

	paths := rec.Paths()
	require.Len(t, paths, 3)
	require.Equal(t, filepath.Join(dir, "cell_20240102_030405_A1.clp"), paths[0])
	require.Equal(t, filepath.Join(dir, "cell_20240102_030405_aux.clp"), paths[2])

	r, err := savefile.Open(paths[0])
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Len(t, recs, 5)
	require.Equal(t, 1.5, recs[3].Clamp)
	require.Equal(t, -6., recs[3].Measured)

	r, err = savefile.Open(paths[2])
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for {
		ar, err := r.NextAux()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, ar.ADC, 2)
		require.EqualValues(t, n, ar.DigitalIn)
		n++
	}
	require.Equal(t, 5, n)
}

func TestRecorderKeepsUpUnderLoad(t *testing.T) {
	cc := chip.ChipChannel{Chip: 0, Channel: 0}
	rec, err := savefile.StartRecorder(savefile.RecorderConfig{
		Dir: t.TempDir(), Prefix: "load",
		Channels:  chip.List{cc},
		Registers: make([]chip.Registers, 1),
		Scales:    map[chip.ChipChannel]savefile.Scale{cc: {Clamp: 1, Measured: 1}},
		Depth:     4,
	})
	require.NoError(t, err)

	const chunks, perChunk = 2000, 64
	ts := uint32(0)
	for i := 0; i < chunks; i++ {
		frames := make([]readqueue.Frame, perChunk)
		for j := range frames {
			frames[j] = readqueue.Frame{
				Timestep: ts,
				Samples:  []readqueue.Sample{{ChipChannel: cc, Measured: int16(ts)}},
			}
			ts++
		}
		rec.Consumer().Consume(frames)
	}
	require.NoError(t, rec.Close())
	require.Zero(t, rec.Dropped())
	require.EqualValues(t, chunks*perChunk, rec.Frames())

	r, err := savefile.Open(rec.Paths()[0])
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, chunks*perChunk)
	for i, rc := range recs {
		if rc.Timestep != uint32(i) {
			t.Fatalf("record %d has timestep %d", i, rc.Timestep)
		}
	}
}

func TestExportFITS(t *testing.T) {
	h := testHeader(true)
	recs := []savefile.Record{{Timestep: 0, Applied: 1, Clamp: 2, Measured: 3}, {Timestep: 1}}
	var buf bytes.Buffer
	require.NoError(t, savefile.ExportFITS(&buf, &h, recs))
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE  =")))
	require.Zero(t, buf.Len()%2880, "FITS files are made of 2880 byte blocks")
	require.Error(t, savefile.ExportFITS(&buf, &h, nil))
}
