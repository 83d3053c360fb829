package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

const (
	// vendor requests
	reqWriteRegister = 0xB0
	reqReadRegister  = 0xB1
	reqSetRAMAddress = 0xB2

	rTypeVendorOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
	rTypeVendorIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice

	bulkOutEndpoint = 2
	bulkInEndpoint  = 6
)

// USB is a clamp board on the end of a USB cable.  Registers are vendor
// control transfers, RAM is bulk OUT after an address setup request, and the
// FIFO is bulk IN.
type USB struct {
	// embedded mutex serializes the address setup + bulk write pair
	sync.Mutex

	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	closer func()

	// spill holds bytes of the last bulk packet that did not fit the caller's
	// buffer
	spill []byte
	rbuf  []byte
}

// OpenUSB opens the board with the given vendor and product ID.  A failure is
// returned to the caller as-is; it is not retried.
func OpenUSB(vid, pid uint16) (*USB, error) {
	u := &USB{ctx: gousb.NewContext()}
	var err error
	u.device, err = u.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		u.ctx.Close()
		return nil, err
	}
	if u.device == nil {
		u.ctx.Close()
		return nil, fmt.Errorf("no clamp board with VID %04x PID %04x", vid, pid)
	}
	err = u.device.SetAutoDetach(true)
	if err != nil {
		u.Close()
		return nil, err
	}
	u.iface, u.closer, err = u.device.DefaultInterface()
	if err != nil {
		u.Close()
		return nil, err
	}
	u.in, err = u.iface.InEndpoint(bulkInEndpoint)
	if err != nil {
		u.Close()
		return nil, err
	}
	u.out, err = u.iface.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

// WriteRegister writes a register with a vendor control transfer
func (u *USB) WriteRegister(addr uint16, value uint32) error {
	if u.device == nil {
		return ErrClosed
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := u.device.Control(rTypeVendorOut, reqWriteRegister, addr, 0, buf[:])
	if err != nil {
		return fmt.Errorf("writing register %#x: %w", addr, err)
	}
	return nil
}

// ReadRegister reads a register with a vendor control transfer
func (u *USB) ReadRegister(addr uint16) (uint32, error) {
	if u.device == nil {
		return 0, ErrClosed
	}
	var buf [4]byte
	n, err := u.device.Control(rTypeVendorIn, reqReadRegister, addr, 0, buf[:])
	if err != nil {
		return 0, fmt.Errorf("reading register %#x: %w", addr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("reading register %#x: short read of %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteRAM sets the RAM write pointer and streams data to it
func (u *USB) WriteRAM(addr uint32, data []byte) error {
	if u.device == nil {
		return ErrClosed
	}
	u.Lock()
	defer u.Unlock()
	_, err := u.device.Control(rTypeVendorOut, reqSetRAMAddress, uint16(addr), uint16(addr>>16), nil)
	if err != nil {
		return fmt.Errorf("setting RAM address %#x: %w", addr, err)
	}
	for len(data) > 0 {
		n, err := u.out.Write(data)
		if err != nil {
			return fmt.Errorf("writing RAM at %#x: %w", addr, err)
		}
		if n == 0 {
			return fmt.Errorf("writing RAM at %#x: endpoint accepted no data", addr)
		}
		data = data[n:]
	}
	return nil
}

// ReadFIFO reads from the bulk IN endpoint.  Transfers are rounded up to
// whole packets; bytes that do not fit p are returned by the next call.
func (u *USB) ReadFIFO(p []byte) (int, error) {
	if u.in == nil {
		return 0, ErrClosed
	}
	n := copy(p, u.spill)
	u.spill = u.spill[:copy(u.spill, u.spill[n:])]
	if n == len(p) {
		return n, nil
	}
	want := len(p) - n
	pkt := u.in.Desc.MaxPacketSize
	if pkt <= 0 {
		pkt = 512
	}
	size := (want + pkt - 1) / pkt * pkt
	if cap(u.rbuf) < size {
		u.rbuf = make([]byte, size)
	}
	got, err := u.in.Read(u.rbuf[:size])
	if err != nil {
		return n, fmt.Errorf("reading FIFO: %w", err)
	}
	k := copy(p[n:], u.rbuf[:got])
	u.spill = append(u.spill, u.rbuf[k:got]...)
	return n + k, nil
}

// NumWordsInFIFO reads the FIFO occupancy register.  Words already
// transferred to the host but not yet returned by ReadFIFO are included.
func (u *USB) NumWordsInFIFO() (int, error) {
	v, err := u.ReadRegister(RegFIFOWords)
	return int(v) + len(u.spill)/2, err
}

// Close releases the interface, device, and USB context
func (u *USB) Close() error {
	var err error
	if u.closer != nil {
		u.closer()
		u.closer = nil
	}
	if u.device != nil {
		err = u.device.Close()
		u.device = nil
	}
	u.in = nil
	u.out = nil
	if u.ctx != nil {
		if err2 := u.ctx.Close(); err == nil {
			err = err2
		}
		u.ctx = nil
	}
	return err
}
