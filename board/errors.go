package board

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/patchclamp/chip"
)

var (
	// ErrInvalidChannel is generated when a chip or channel is out of range
	ErrInvalidChannel = chip.ErrInvalidChannel

	// ErrDuplicateChannel is generated when a loop repeats a channel without
	// repetition being allowed
	ErrDuplicateChannel = chip.ErrDuplicateChannel

	// ErrNoChannels is generated when a run is requested with no channels
	// enabled
	ErrNoChannels = errors.New("no channels enabled")

	// ErrLoopTooLong is generated when the loop order does not fit the board
	ErrLoopTooLong = errors.New("channel loop order too long for the board")

	// ErrInvalidRepetition is generated when channel repetition is below one
	ErrInvalidRepetition = errors.New("channel repetition must be at least one")

	// ErrRunning is generated when an operation requires the board to be idle
	ErrRunning = errors.New("board is running")

	// ErrNotRunning is generated when reading from an idle board
	ErrNotRunning = errors.New("board is not running")

	// ErrStopped is generated when a blocking read is cut short by Stop
	ErrStopped = errors.New("run stopped")

	// ErrFlushed is generated when a blocking read is cut short by Flush
	ErrFlushed = errors.New("run flushed")

	// ErrRunComplete is generated when a blocking read asks for more
	// timesteps than the run had left
	ErrRunComplete = errors.New("run completed before the requested timesteps were read")

	// ErrNotUploaded is generated when a run is requested before the
	// commands of every enabled channel are on the board
	ErrNotUploaded = errors.New("commands not uploaded")

	// ErrNotConfigured is generated when uploading a channel with no commands
	ErrNotConfigured = errors.New("no commands configured for channel")

	// ErrTooManyCommands is generated when a waveform does not fit a RAM region
	ErrTooManyCommands = errors.New("waveform has too many segments for the waveform RAM")

	// ErrValueOutOfRange is generated when a discrete value does not fit the DAC
	ErrValueOutOfRange = errors.New("discrete value out of DAC range")

	// ErrInvalidDAC is generated when a DAC index is out of range
	ErrInvalidDAC = errors.New("DAC index out of range")

	// ErrInvalidMarker is generated when a marker line is out of range
	ErrInvalidMarker = errors.New("marker line out of range")

	// ErrNoDestination is generated when enabling a marker with no channel
	ErrNoDestination = errors.New("marker has no destination channel")
)

// InUseError is generated when binding a DAC or marker line that another
// channel already owns
type InUseError struct {
	// Resource is "DAC" or "marker"
	Resource string
	Index    int
	Owner    Binding
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s %d is in use by %s", e.Resource, e.Index, e.Owner)
}
