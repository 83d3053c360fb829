package savefile

import (
	"fmt"
	"io"
	"math"
	"os"
)

// DefaultBlockSize is the size of the in-memory block writes are gathered in
const DefaultBlockSize = 64 * 1024

// block gathers whole records and writes them out when the next record would
// not fit, so the file never ends mid-record
type block struct {
	w      io.Writer
	closer io.Closer
	buf    []byte
	err    error
	closed bool
}

func newBlock(w io.Writer, size int) *block {
	if size <= 0 {
		size = DefaultBlockSize
	}
	b := &block{w: w, buf: make([]byte, 0, size)}
	if c, ok := w.(io.Closer); ok {
		b.closer = c
	}
	return b
}

// add appends one record, flushing first if it does not fit
func (b *block) add(rec []byte) error {
	if b.err != nil {
		return b.err
	}
	if len(b.buf)+len(rec) > cap(b.buf) {
		if err := b.flush(); err != nil {
			return err
		}
		if len(rec) > cap(b.buf) {
			_, err := b.w.Write(rec)
			b.err = err
			return err
		}
	}
	b.buf = append(b.buf, rec...)
	return nil
}

func (b *block) flush() error {
	if b.err != nil {
		return b.err
	}
	if len(b.buf) == 0 {
		return nil
	}
	_, err := b.w.Write(b.buf)
	b.buf = b.buf[:0]
	b.err = err
	return err
}

// close flushes and closes the underlying writer if it is a Closer.  The
// underlying writer is closed even if the flush fails.
func (b *block) close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.flush()
	if b.closer != nil {
		if err2 := b.closer.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// Writer writes a main file
type Writer struct {
	blk      *block
	header   *HeaderData
	records  uint64
	repeat   bool
	scratch  enc
	appliedB []float64
}

// NewWriter returns a writer that gathers output in blocks of blockSize
// bytes.  If w is an io.Closer it is closed by Close.
func NewWriter(w io.Writer, blockSize int) *Writer {
	return &Writer{blk: newBlock(w, blockSize)}
}

// Create creates a main file at path
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriter(f, DefaultBlockSize), nil
}

// SetRepeating selects how applied values are reconstructed for timesteps
// past the end of the waveform: wrapped to its start if true, or held at its
// last value if false (the default)
func (w *Writer) SetRepeating(b bool) {
	w.repeat = b
}

// EncodeHeader serializes a main header, size field included
func EncodeHeader(h HeaderData) ([]byte, error) {
	e := enc{b: make([]byte, 0, 512)}
	e.u32(Magic)
	e.u16(CurrentVersion.Major)
	e.u16(CurrentVersion.Minor)
	e.u16(uint16(MainHeader))
	e.u16(0) // size, patched below
	encodeTimeDate(&e, h.Time)
	encodeChips(&e, h.Chips)
	encodeSettings(&e, h.Settings)
	if len(e.b) > math.MaxUint16 {
		return nil, fmt.Errorf("%d bytes: %w", len(e.b), ErrHeaderTooLarge)
	}
	le.PutUint16(e.b[prefixBytes:], uint16(len(e.b)))
	return e.b, nil
}

// WriteHeader writes the header.  It must be called exactly once, before
// any data.
func (w *Writer) WriteHeader(h HeaderData) error {
	if w.blk.closed {
		return ErrClosed
	}
	if w.header != nil {
		return ErrHeaderWritten
	}
	b, err := EncodeHeader(h)
	if err != nil {
		return err
	}
	if err := w.blk.add(b); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	w.header = &h
	return nil
}

// WriteData writes one record per timestamp.  The applied value of each is
// reconstructed from the header's waveform.  All three slices must be the
// same length; if not, nothing is written.
func (w *Writer) WriteData(timestamps []uint32, clamp, measured []float64) error {
	if w.blk.closed {
		return ErrClosed
	}
	if w.header == nil {
		return ErrNoHeader
	}
	if len(timestamps) != len(measured) || len(timestamps) != len(clamp) {
		return fmt.Errorf("%d timestamps, %d clamp, %d measured: %w",
			len(timestamps), len(clamp), len(measured), ErrSizeMismatch)
	}
	applied := w.applied(timestamps)
	for i, t := range timestamps {
		w.scratch.b = w.scratch.b[:0]
		w.scratch.u32(t)
		w.scratch.f64(applied[i])
		w.scratch.f64(clamp[i])
		w.scratch.f64(measured[i])
		if err := w.blk.add(w.scratch.b); err != nil {
			return fmt.Errorf("writing record %d: %w", w.records, err)
		}
		w.records++
	}
	return nil
}

func (w *Writer) applied(timestamps []uint32) []float64 {
	wf := w.header.Settings.Waveform
	if wf == nil {
		if cap(w.appliedB) < len(timestamps) {
			w.appliedB = make([]float64, len(timestamps))
		}
		out := w.appliedB[:len(timestamps)]
		for i := range out {
			out[i] = 0
		}
		return out
	}
	if w.repeat {
		return wf.AppliedRepeating(timestamps)
	}
	return wf.Applied(timestamps)
}

// Records is the number of records written
func (w *Writer) Records() uint64 {
	return w.records
}

// Flush writes out the gathered records
func (w *Writer) Flush() error {
	return w.blk.flush()
}

// Close flushes and closes the file.  It is safe to call more than once.
func (w *Writer) Close() error {
	return w.blk.close()
}

// AuxWriter writes an auxiliary file
type AuxWriter struct {
	blk     *block
	header  *AuxHeaderData
	records uint64
	scratch enc
}

// NewAuxWriter returns an auxiliary writer; see NewWriter
func NewAuxWriter(w io.Writer, blockSize int) *AuxWriter {
	return &AuxWriter{blk: newBlock(w, blockSize)}
}

// CreateAux creates an auxiliary file at path
func CreateAux(path string) (*AuxWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewAuxWriter(f, DefaultBlockSize), nil
}

// EncodeAuxHeader serializes an auxiliary header, size field included
func EncodeAuxHeader(h AuxHeaderData) []byte {
	e := enc{b: make([]byte, 0, 32)}
	e.u32(Magic)
	e.u16(CurrentVersion.Major)
	e.u16(CurrentVersion.Minor)
	e.u16(uint16(AuxHeader))
	e.u16(h.NumADCs)
	e.u16(0) // size
	encodeTimeDate(&e, h.Time)
	e.f32(h.SamplingRate)
	le.PutUint16(e.b[prefixBytes+2:], uint16(len(e.b)))
	return e.b
}

// WriteHeader writes the header.  It must be called exactly once, before
// any data.
func (w *AuxWriter) WriteHeader(h AuxHeaderData) error {
	if w.blk.closed {
		return ErrClosed
	}
	if w.header != nil {
		return ErrHeaderWritten
	}
	if err := w.blk.add(EncodeAuxHeader(h)); err != nil {
		return fmt.Errorf("writing aux header: %w", err)
	}
	w.header = &h
	return nil
}

// WriteData writes one timestep.  adc must hold the header's ADC count.
func (w *AuxWriter) WriteData(timestep uint32, digitalIn, digitalOut uint16, adc []uint16) error {
	if w.blk.closed {
		return ErrClosed
	}
	if w.header == nil {
		return ErrNoHeader
	}
	if len(adc) != int(w.header.NumADCs) {
		return fmt.Errorf("%d ADC values for %d ADCs: %w", len(adc), w.header.NumADCs, ErrSizeMismatch)
	}
	w.scratch.b = w.scratch.b[:0]
	w.scratch.u32(timestep)
	w.scratch.u16(digitalIn)
	w.scratch.u16(digitalOut)
	for _, v := range adc {
		w.scratch.u16(v)
	}
	if err := w.blk.add(w.scratch.b); err != nil {
		return fmt.Errorf("writing aux record %d: %w", w.records, err)
	}
	w.records++
	return nil
}

// Records is the number of records written
func (w *AuxWriter) Records() uint64 {
	return w.records
}

// Flush writes out the gathered records
func (w *AuxWriter) Flush() error {
	return w.blk.flush()
}

// Close flushes and closes the file.  It is safe to call more than once.
func (w *AuxWriter) Close() error {
	return w.blk.close()
}
