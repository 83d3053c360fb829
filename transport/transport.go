/*Package transport is the narrow boundary between the clamp board logic and
the USB/FPGA link.  A Transport writes registers and waveform RAM and drains
the sample FIFO; everything above it is protocol.

The register and RAM map the rest of the module programs against is defined
here, together with the encodings of waveform commands and FIFO frames.

Two Transports are provided: USB, which talks to the board over vendor
control transfers and bulk endpoints, and Sim, a deterministic software board
used for tests and mock servers.
*/
package transport

import "errors"

// ErrClosed is generated when a transport is used after Close
var ErrClosed = errors.New("transport is closed")

// Transport is the device I/O a board needs
type Transport interface {
	// WriteRegister writes one 32-bit register
	WriteRegister(addr uint16, value uint32) error

	// ReadRegister reads one 32-bit register
	ReadRegister(addr uint16) (uint32, error)

	// WriteRAM writes data to the waveform RAM starting at byte address addr
	WriteRAM(addr uint32, data []byte) error

	// ReadFIFO reads up to len(p) bytes of sample data.  It does not block
	// waiting for data; n == 0 means the FIFO is empty.
	ReadFIFO(p []byte) (int, error)

	// NumWordsInFIFO is the number of 16-bit words waiting to be read
	NumWordsInFIFO() (int, error)

	Close() error
}
