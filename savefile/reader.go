package savefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Reader reads either kind of save file
type Reader struct {
	r      *bufio.Reader
	closer io.Closer

	// Type is the kind of file; Main or Aux is set to match
	Type HeaderType
	Main *HeaderData
	Aux  *AuxHeaderData

	rec []byte
}

// NewReader parses the header from r.  Fields after the ones this version
// knows about are skipped using the header's size.  Files with a newer major
// version are rejected.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReader(r)}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	prefix := make([]byte, prefixBytes)
	if _, err := io.ReadFull(rd.r, prefix); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	d := &dec{b: prefix}
	if d.u32() != Magic {
		return nil, ErrBadMagic
	}
	ver := Version{Major: d.u16(), Minor: d.u16()}
	if ver.Major > CurrentVersion.Major {
		return nil, fmt.Errorf("file version %s, supported %s: %w", ver, CurrentVersion, ErrUnsupportedVersion)
	}
	rd.Type = HeaderType(d.u16())
	switch rd.Type {
	case MainHeader:
		return rd, rd.readMain(ver)
	case AuxHeader:
		return rd, rd.readAux(ver)
	default:
		return nil, fmt.Errorf("unknown header type %d", rd.Type)
	}
}

// Open opens a save file
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// readRest reads the remainder of a header of size bytes, of which
// consumed have been read
func (r *Reader) readRest(size, consumed int) ([]byte, error) {
	if size < consumed {
		return nil, fmt.Errorf("header size %d is smaller than its fixed part", size)
	}
	rest := make([]byte, size-consumed)
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	return rest, nil
}

func (r *Reader) readMain(ver Version) error {
	var sz [2]byte
	if _, err := io.ReadFull(r.r, sz[:]); err != nil {
		return fmt.Errorf("reading header size: %w", err)
	}
	size := le.Uint16(sz[:])
	rest, err := r.readRest(int(size), prefixBytes+2)
	if err != nil {
		return err
	}
	d := &dec{b: rest}
	h := &HeaderData{Version: ver, Size: size}
	h.Time = decodeTimeDate(d)
	h.Chips = decodeChips(d)
	h.Settings = decodeSettings(d)
	if d.err != nil {
		return fmt.Errorf("header of %d bytes is truncated: %w", size, d.err)
	}
	r.Main = h
	r.rec = make([]byte, recordBytes)
	return nil
}

func (r *Reader) readAux(ver Version) error {
	var fixed [4]byte
	if _, err := io.ReadFull(r.r, fixed[:]); err != nil {
		return fmt.Errorf("reading aux header: %w", err)
	}
	h := &AuxHeaderData{Version: ver, NumADCs: le.Uint16(fixed[:]), Size: le.Uint16(fixed[2:])}
	rest, err := r.readRest(int(h.Size), prefixBytes+4)
	if err != nil {
		return err
	}
	d := &dec{b: rest}
	h.Time = decodeTimeDate(d)
	h.SamplingRate = d.f32()
	if d.err != nil {
		return fmt.Errorf("aux header of %d bytes is truncated: %w", h.Size, d.err)
	}
	r.Aux = h
	r.rec = make([]byte, auxRecordBytes(int(h.NumADCs)))
	return nil
}

// readRecord fills r.rec.  It returns io.EOF at a clean end of file and
// io.ErrUnexpectedEOF if the file ends mid-record.
func (r *Reader) readRecord() error {
	_, err := io.ReadFull(r.r, r.rec)
	return err
}

// Next returns the next record of a main file
func (r *Reader) Next() (Record, error) {
	if r.Type != MainHeader {
		return Record{}, ErrWrongHeaderType
	}
	if err := r.readRecord(); err != nil {
		return Record{}, err
	}
	d := dec{b: r.rec}
	return Record{Timestep: d.u32(), Applied: d.f64(), Clamp: d.f64(), Measured: d.f64()}, nil
}

// NextAux returns the next record of an auxiliary file
func (r *Reader) NextAux() (AuxRecord, error) {
	if r.Type != AuxHeader {
		return AuxRecord{}, ErrWrongHeaderType
	}
	if err := r.readRecord(); err != nil {
		return AuxRecord{}, err
	}
	d := dec{b: r.rec}
	rec := AuxRecord{Timestep: d.u32(), DigitalIn: d.u16(), DigitalOut: d.u16()}
	rec.ADC = make([]uint16, r.Aux.NumADCs)
	for i := range rec.ADC {
		rec.ADC[i] = d.u16()
	}
	return rec, nil
}

// ReadAll reads the remaining records of a main file
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close closes the underlying file, if the reader was given one
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
