package usb

import (
	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// LibusbBus is the production Bus on top of libusb.
type LibusbBus struct {
	ctx *gousb.Context
}

func NewLibusbBus() *LibusbBus {
	return &LibusbBus{ctx: gousb.NewContext()}
}

func (b *LibusbBus) Present(vid, pid uint16) (bool, error) {
	found := false
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid) {
			found = true
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return false, errors.Wrap(err, "enumerating bus")
	}
	return found, nil
}

func (b *LibusbBus) Open(vid, pid uint16) (Device, error) {
	dev, err := b.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, errors.Wrap(err, "opening device")
	}
	if dev == nil {
		return nil, errors.Errorf("device %04x:%04x disappeared", vid, pid)
	}
	return &libusbDevice{dev: dev}, nil
}

func (b *LibusbBus) Close() error {
	return b.ctx.Close()
}

type libusbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	ins  map[byte]*gousb.InEndpoint
	outs map[byte]*gousb.OutEndpoint
}

func (d *libusbDevice) DetachKernelDriver() error {
	return d.dev.SetAutoDetach(true)
}

func (d *libusbDevice) ClaimInterface() error {
	cfg, err := d.dev.Config(1)
	if err != nil {
		return errors.Wrap(err, "selecting configuration 1")
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return errors.Wrap(err, "claiming interface 0")
	}
	d.cfg = cfg
	d.intf = intf
	d.ins = map[byte]*gousb.InEndpoint{}
	d.outs = map[byte]*gousb.OutEndpoint{}
	return nil
}

func (d *libusbDevice) ReleaseInterface() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		err := d.cfg.Close()
		d.cfg = nil
		return err
	}
	return nil
}

func (d *libusbDevice) Control(reqType, request byte, value, index uint16, data []byte) (int, error) {
	return d.dev.Control(reqType, request, value, index, data)
}

func (d *libusbDevice) Endpoints() []EndpointDesc {
	var out []EndpointDesc
	cfgDesc, ok := d.dev.Desc.Configs[1]
	if !ok || len(cfgDesc.Interfaces) == 0 {
		return nil
	}
	alt := cfgDesc.Interfaces[0].AltSettings[0]
	for _, ep := range alt.Endpoints {
		addr := byte(ep.Number)
		if ep.Direction == gousb.EndpointDirectionIn {
			addr |= 0x80
		}
		out = append(out, EndpointDesc{
			Address:   addr,
			Bulk:      ep.TransferType == gousb.TransferTypeBulk,
			MaxPacket: ep.MaxPacketSize,
		})
	}
	return out
}

func (d *libusbDevice) BulkRead(endpoint byte, p []byte) (int, error) {
	num := endpoint & 0x0F
	ep, ok := d.ins[num]
	if !ok {
		var err error
		ep, err = d.intf.InEndpoint(int(num))
		if err != nil {
			return 0, errors.Wrapf(err, "opening IN endpoint %d", num)
		}
		d.ins[num] = ep
	}
	return ep.Read(p)
}

func (d *libusbDevice) BulkWrite(endpoint byte, p []byte) (int, error) {
	ep, ok := d.outs[endpoint]
	if !ok {
		var err error
		ep, err = d.intf.OutEndpoint(int(endpoint))
		if err != nil {
			return 0, errors.Wrapf(err, "opening OUT endpoint %d", endpoint)
		}
		d.outs[endpoint] = ep
	}
	return ep.Write(p)
}

func (d *libusbDevice) Close() error {
	return d.dev.Close()
}
