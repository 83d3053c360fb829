/*Package savefile reads and writes clamp recordings.

A recording is a pair of little-endian binary files.  The main file holds
one channel's clamp data: a versioned header with the time, a snapshot of
every chip's registers, the stimulus settings and the waveform that was run,
followed by one record per sample.  The auxiliary file holds the ADC and
digital I/O data shared by all channels, one record per timestep.

Both headers carry their own size so readers can skip fields added by newer
minor versions.
*/
package savefile

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/waveform"
)

// Magic starts every save file
const Magic uint32 = 0xF3B1A481

// CurrentVersion is the version written by this package
var CurrentVersion = Version{Major: 1, Minor: 0}

var (
	// ErrBadMagic is generated when a file does not start with Magic
	ErrBadMagic = errors.New("not a clamp save file")

	// ErrUnsupportedVersion is generated when a file's major version is newer
	// than CurrentVersion
	ErrUnsupportedVersion = errors.New("save file version is newer than supported")

	// ErrHeaderWritten is generated when a header is written twice
	ErrHeaderWritten = errors.New("header already written")

	// ErrNoHeader is generated when data is written before the header
	ErrNoHeader = errors.New("header not yet written")

	// ErrSizeMismatch is generated when the vectors given to WriteData differ
	// in length
	ErrSizeMismatch = errors.New("data vectors differ in length")

	// ErrHeaderTooLarge is generated when a header does not fit its size field
	ErrHeaderTooLarge = errors.New("header larger than 65535 bytes")

	// ErrWrongHeaderType is generated when reading records of the other file
	// type
	ErrWrongHeaderType = errors.New("wrong header type for this operation")

	// ErrClosed is generated when using a closed writer
	ErrClosed = errors.New("writer is closed")

	// ErrFramesDropped is generated when closing a recording that fell behind
	// and lost frames
	ErrFramesDropped = errors.New("recorder dropped frames")

	// ErrCorruptHeader is generated when a header's counts exceed its size
	ErrCorruptHeader = errors.New("header counts exceed header size")
)

// Version is a file format version
type Version struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// Less returns true if v is older than o
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// AtLeast returns true if v is o or newer
func (v Version) AtLeast(o Version) bool {
	return !v.Less(o)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// HeaderType tells main and auxiliary files apart
type HeaderType uint16

const (
	// MainHeader is the per-channel clamp file
	MainHeader HeaderType = 0

	// AuxHeader is the shared ADC and digital I/O file
	AuxHeader HeaderType = 1
)

// TimeDate is a wall clock time to the second
type TimeDate struct {
	Year, Month, Day     int16
	Hour, Minute, Second int16
}

// NewTimeDate truncates t to a TimeDate in t's location
func NewTimeDate(t time.Time) TimeDate {
	return TimeDate{
		Year:   int16(t.Year()),
		Month:  int16(t.Month()),
		Day:    int16(t.Day()),
		Hour:   int16(t.Hour()),
		Minute: int16(t.Minute()),
		Second: int16(t.Second()),
	}
}

// Time converts to a time.Time in loc
func (td TimeDate) Time(loc *time.Location) time.Time {
	return time.Date(int(td.Year), time.Month(td.Month), int(td.Day),
		int(td.Hour), int(td.Minute), int(td.Second), 0, loc)
}

// VoltageClampSettings follow the settings block in voltage clamp
type VoltageClampSettings struct {
	HoldingVoltage     float32 `json:"holdingVoltage"`
	NominalResistance  float32 `json:"nominalResistance"`
	MeasuredResistance float32 `json:"measuredResistance"`
	DesiredBandwidth   float32 `json:"desiredBandwidth"`
	ActualBandwidth    float32 `json:"actualBandwidth"`
}

// CurrentClampSettings follow the settings block in current clamp
type CurrentClampSettings struct {
	HoldingCurrent float32 `json:"holdingCurrent"`
	StepSize       float32 `json:"stepSize"`
}

// Settings are the stimulus and cell parameters of one channel's run
type Settings struct {
	CompensationEnabled   bool    `json:"compensationEnabled"`
	CompensationMagnitude float32 `json:"compensationMagnitude"`
	FilterCutoff          float32 `json:"filterCutoff"`
	PipetteOffset         float32 `json:"pipetteOffset"`
	SamplingRate          float32 `json:"samplingRate"`
	Ra                    float32 `json:"ra"`
	Rm                    float32 `json:"rm"`
	Cm                    float32 `json:"cm"`
	VoltageClamp          bool    `json:"voltageClamp"`
	Range2x               bool    `json:"range2x"`

	// only the block matching VoltageClamp is stored
	VC VoltageClampSettings `json:"vc"`
	CC CurrentClampSettings `json:"cc"`

	Waveform *waveform.SimplifiedWaveform `json:"waveform"`
}

// HeaderData is the header of a main file
type HeaderData struct {
	// Version and Size are filled in by the reader
	Version Version
	Size    uint16

	Time     TimeDate
	Chips    []chip.Registers
	Settings Settings
}

// AuxHeaderData is the header of an auxiliary file
type AuxHeaderData struct {
	// Version and Size are filled in by the reader
	Version Version
	Size    uint16

	Time         TimeDate
	NumADCs      uint16
	SamplingRate float32
}

// Record is one sample of a main file
type Record struct {
	Timestep uint32
	Applied  float64
	Clamp    float64
	Measured float64
}

// AuxRecord is one timestep of an auxiliary file
type AuxRecord struct {
	Timestep   uint32
	DigitalIn  uint16
	DigitalOut uint16
	ADC        []uint16
}

const (
	// recordBytes is the size of a main file record
	recordBytes = 4 + 3*8

	// prefixBytes is magic, version, and header type
	prefixBytes = 4 + 2 + 2 + 2
)

func auxRecordBytes(numADCs int) int {
	return 4 + 2 + 2 + 2*numADCs
}
