package lwla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// USB identity of the supported analyzers.
const (
	VendorID      = 0x2961
	ProductID1016 = 0x6688
	ProductID1034 = 0x6689
)

// Bulk endpoint numbers on interface 0. Commands and FPGA configuration
// data go out on separate endpoints; replies come back on one IN endpoint.
const (
	epCommand = 2
	epConfig  = 4
	epReply   = 6
)

// usbTimeout bounds every individual bulk transfer.
const usbTimeout = 3 * time.Second

// DeviceInfo describes one attached analyzer found by ScanUSB.
type DeviceInfo struct {
	Bus     int
	Address int
	Product uint16
	Model   string
}

// ScanUSB enumerates attached analyzers without opening them.
func ScanUSB() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []DeviceInfo
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != VendorID {
			return false
		}
		model := ModelForProduct(uint16(desc.Product))
		if model == nil {
			return false
		}
		found = append(found, DeviceInfo{
			Bus:     desc.Bus,
			Address: desc.Address,
			Product: uint16(desc.Product),
			Model:   model.Name(),
		})
		return false
	})
	if err != nil {
		return found, fmt.Errorf("%w: USB enumeration failed: %v", ErrIo, err)
	}
	return found, nil
}

// usbConn is the gousb-backed Conn used for real hardware.
type usbConn struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	release func()
	cmdEP   *gousb.OutEndpoint
	cfgEP   *gousb.OutEndpoint
	replyEP *gousb.InEndpoint
}

// openUSB opens and claims one analyzer. A negative bus matches the
// first device with the given product ID; otherwise bus and address
// select one specific device.
func openUSB(product uint16, bus, address int) (Conn, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != VendorID || uint16(desc.Product) != product {
			return false
		}
		if bus >= 0 && (desc.Bus != bus || desc.Address != address) {
			return false
		}
		return true
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: opening device %04x:%04x: %v", ErrIo, VendorID, product, err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: no device %04x:%04x attached", ErrIo, VendorID, product)
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: auto-detach: %v", ErrIo, err)
	}
	intf, release, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: claiming interface: %v", ErrIo, err)
	}
	c := &usbConn{ctx: ctx, dev: dev, release: release}
	if c.cmdEP, err = intf.OutEndpoint(epCommand); err == nil {
		if c.cfgEP, err = intf.OutEndpoint(epConfig); err == nil {
			c.replyEP, err = intf.InEndpoint(epReply)
		}
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: endpoint setup: %v", ErrIo, err)
	}
	return c, nil
}

func (c *usbConn) Send(data []byte) error {
	return c.write(c.cmdEP, data)
}

func (c *usbConn) SendConfig(data []byte) error {
	return c.write(c.cfgEP, data)
}

func (c *usbConn) write(ep *gousb.OutEndpoint, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	n, err := ep.WriteContext(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write of %d/%d bytes", ErrIo, n, len(data))
	}
	return nil
}

func (c *usbConn) Receive(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	n, err := c.replyEP.ReadContext(ctx, buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIo, err)
	}
	return n, nil
}

func (c *usbConn) Close() error {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	var err error
	if c.dev != nil {
		err = c.dev.Close()
		c.dev = nil
	}
	if c.ctx != nil {
		if cerr := c.ctx.Close(); err == nil {
			err = cerr
		}
		c.ctx = nil
	}
	return err
}
