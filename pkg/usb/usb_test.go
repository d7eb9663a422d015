package usb

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

type controlCall struct {
	reqType, request byte
	value, index     uint16
}

type fakeDevice struct {
	endpoints []EndpointDesc
	control   func(call controlCall, data []byte) (int, error)
	calls     []controlCall

	detachErr error
	claimErr  error

	claimed  bool
	released bool
	closed   bool

	reads   [][]byte
	readErr error
	writes  [][]byte
}

func (d *fakeDevice) DetachKernelDriver() error { return d.detachErr }

func (d *fakeDevice) ClaimInterface() error {
	if d.claimErr != nil {
		return d.claimErr
	}
	d.claimed = true
	return nil
}

func (d *fakeDevice) ReleaseInterface() error {
	d.released = true
	return nil
}

func (d *fakeDevice) Control(reqType, request byte, value, index uint16, data []byte) (int, error) {
	call := controlCall{reqType, request, value, index}
	d.calls = append(d.calls, call)
	if d.control == nil {
		return 0, errors.New("no handler")
	}
	return d.control(call, data)
}

func (d *fakeDevice) Endpoints() []EndpointDesc { return d.endpoints }

func (d *fakeDevice) BulkRead(endpoint byte, p []byte) (int, error) {
	if d.readErr != nil {
		return 0, d.readErr
	}
	if len(d.reads) == 0 {
		return 0, io.EOF
	}
	chunk := d.reads[0]
	d.reads = d.reads[1:]
	return copy(p, chunk), nil
}

func (d *fakeDevice) BulkWrite(endpoint byte, p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	d.writes = append(d.writes, buf)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeBus struct {
	device   *fakeDevice
	presence []bool // consumed per Present call; last value sticks
}

func (b *fakeBus) Present(vid, pid uint16) (bool, error) {
	if len(b.presence) == 0 {
		return false, nil
	}
	p := b.presence[0]
	if len(b.presence) > 1 {
		b.presence = b.presence[1:]
	}
	return p, nil
}

func (b *fakeBus) Open(vid, pid uint16) (Device, error) {
	if b.device == nil {
		return nil, errors.New("no device")
	}
	return b.device, nil
}

var bulkPair = []EndpointDesc{
	{Address: 0x81, Bulk: true, MaxPacket: 64},
	{Address: 0x02, Bulk: true, MaxPacket: 64},
}

func (s *TestSuite) TestLookup(c *C) {
	info, ok := Lookup(0x0830, 0x0060)
	c.Assert(ok, Equals, true)
	c.Assert(info.Dialect, Equals, DialectGeneric)
	c.Assert(info.Stack, Equals, types.StackNetSync)

	_, ok = Lookup(0x1234, 0x5678)
	c.Assert(ok, Equals, false)
}

func (s *TestSuite) TestKnownDevicesSorted(c *C) {
	devs := KnownDevices()
	c.Assert(len(devs) > 5, Equals, true)
	for i := 1; i < len(devs); i++ {
		prev := uint32(devs[i-1].VID)<<16 | uint32(devs[i-1].PID)
		cur := uint32(devs[i].VID)<<16 | uint32(devs[i].PID)
		c.Assert(prev < cur, Equals, true)
	}
}

func (s *TestSuite) TestParseExtConnectionInfoSharedEndpoint(c *C) {
	resp := []byte{
		0x01, 0x00, 0x00, 0x00,
		'c', 'n', 'y', 's', 0x02, 0x00, 0x00, 0x00,
	}
	cfg := parseExtConnectionInfo(resp)
	c.Assert(cfg, NotNil)
	c.Assert(cfg.In, Equals, byte(2))
	c.Assert(cfg.Out, Equals, byte(2))
}

func (s *TestSuite) TestParseExtConnectionInfoSplitEndpoints(c *C) {
	resp := []byte{
		0x02, 0x01, 0x00, 0x00,
		'o', 't', 'h', 'r', 0x01, 0x11, 0x00, 0x00,
		'c', 'n', 'y', 's', 0x00, 0x35, 0x00, 0x00,
	}
	cfg := parseExtConnectionInfo(resp)
	c.Assert(cfg, NotNil)
	c.Assert(cfg.In, Equals, byte(3))
	c.Assert(cfg.Out, Equals, byte(5))
}

func (s *TestSuite) TestParseExtConnectionInfoNoSyncPort(c *C) {
	resp := []byte{
		0x01, 0x00, 0x00, 0x00,
		'o', 't', 'h', 'r', 0x01, 0x00, 0x00, 0x00,
	}
	c.Assert(parseExtConnectionInfo(resp), IsNil)
	c.Assert(parseExtConnectionInfo([]byte{0x01}), IsNil)
}

func (s *TestSuite) TestParseConnectionInfo(c *C) {
	resp := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x01, 0x01, // some other function on port 1
		0x02, 0x03, // hotsync on port 3
	}
	cfg := parseConnectionInfo(resp)
	c.Assert(cfg, NotNil)
	c.Assert(cfg.In, Equals, byte(3))
	c.Assert(cfg.Out, Equals, byte(3))

	c.Assert(parseConnectionInfo([]byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x01}), IsNil)
}

func (s *TestSuite) TestInferEndpoints(c *C) {
	dev := &fakeDevice{endpoints: []EndpointDesc{
		{Address: 0x83, Bulk: false, MaxPacket: 64},
		{Address: 0x81, Bulk: true, MaxPacket: 512},
		{Address: 0x82, Bulk: true, MaxPacket: 64},
		{Address: 0x04, Bulk: true, MaxPacket: 64},
	}}
	cfg, err := inferEndpoints(dev)
	c.Assert(err, IsNil)
	c.Assert(cfg.In, Equals, byte(2))
	c.Assert(cfg.Out, Equals, byte(4))
}

func (s *TestSuite) TestInferEndpointsNoPair(c *C) {
	dev := &fakeDevice{endpoints: []EndpointDesc{
		{Address: 0x81, Bulk: true, MaxPacket: 64},
	}}
	_, err := inferEndpoints(dev)
	c.Assert(errors.Is(err, ErrNoEndpoints), Equals, true)
}

func (s *TestSuite) TestGenericInitExtInfo(c *C) {
	dev := &fakeDevice{
		endpoints: bulkPair,
		control: func(call controlCall, data []byte) (int, error) {
			if call.request != reqGetExtConnectionInfo {
				return 0, errors.New("stall")
			}
			resp := []byte{
				0x01, 0x00, 0x00, 0x00,
				'c', 'n', 'y', 's', 0x02, 0x00, 0x00, 0x00,
			}
			return copy(data, resp), nil
		},
	}
	cfg := genericInit(dev, logrus.WithField("test", "usb"))
	c.Assert(cfg, NotNil)
	c.Assert(cfg.In, Equals, byte(2))
	c.Assert(cfg.Out, Equals, byte(2))
}

func (s *TestSuite) TestGenericInitFallsBackAndPrimes(c *C) {
	dev := &fakeDevice{
		endpoints: bulkPair,
		control: func(call controlCall, data []byte) (int, error) {
			switch call.request {
			case reqGetConnectionInfo:
				return copy(data, []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x01}), nil
			case reqGetNumBytesAvailable:
				return copy(data, []byte{0x00, 0x00, 0x00, 0x00}), nil
			default:
				return 0, errors.New("stall")
			}
		},
	}
	cfg := genericInit(dev, logrus.WithField("test", "usb"))
	c.Assert(cfg, NotNil)
	c.Assert(cfg.In, Equals, byte(1))

	var primed bool
	for _, call := range dev.calls {
		if call.request == reqGetNumBytesAvailable {
			primed = true
		}
	}
	c.Assert(primed, Equals, true)
}

func (s *TestSuite) TestEarlyClieInitRequests(c *C) {
	dev := &fakeDevice{
		endpoints: bulkPair,
		control: func(call controlCall, data []byte) (int, error) {
			return copy(data, []byte{0x01}), nil
		},
	}
	earlyClieInit(dev, logrus.WithField("test", "usb"))
	c.Assert(dev.calls, HasLen, 2)
	c.Assert(dev.calls[0].request, Equals, byte(standardGetConfiguration))
	c.Assert(dev.calls[0].reqType, Equals, byte(0x80))
	c.Assert(dev.calls[1].request, Equals, byte(standardGetInterface))
	c.Assert(dev.calls[1].reqType, Equals, byte(0x81))
}

func (s *TestSuite) TestOpenDiscoveredDevice(c *C) {
	dev := &fakeDevice{
		endpoints: bulkPair,
		detachErr: errors.New("not supported"),
		control: func(call controlCall, data []byte) (int, error) {
			if call.request != reqGetExtConnectionInfo {
				return 0, errors.New("stall")
			}
			resp := []byte{
				0x01, 0x00, 0x00, 0x00,
				'c', 'n', 'y', 's', 0x02, 0x00, 0x00, 0x00,
			}
			return copy(data, resp), nil
		},
	}
	bus := &fakeBus{device: dev}
	info, _ := Lookup(0x0830, 0x0060)

	conn, err := Open(bus, &Match{VID: 0x0830, PID: 0x0060, Info: info})
	c.Assert(err, IsNil)
	c.Assert(dev.claimed, Equals, true)
	c.Assert(conn.Config.In, Equals, byte(2))
	c.Assert(conn.Config.Out, Equals, byte(2))
}

func (s *TestSuite) TestOpenClaimFailureClosesDevice(c *C) {
	dev := &fakeDevice{claimErr: errors.New("busy")}
	bus := &fakeBus{device: dev}
	info, _ := Lookup(0x0830, 0x0001)

	_, err := Open(bus, &Match{VID: 0x0830, PID: 0x0001, Info: info})
	c.Assert(err, ErrorMatches, `claiming Palm m500.*`)
	c.Assert(dev.closed, Equals, true)
}

func (s *TestSuite) TestDuplexBuffersShortReads(c *C) {
	dev := &fakeDevice{reads: [][]byte{[]byte("abcdef")}}
	d := newDuplex(dev, ConnectionConfig{In: 2, Out: 2})

	buf := make([]byte, 4)
	n, err := d.Read(buf)
	c.Assert(err, IsNil)
	c.Assert(buf[:n], DeepEquals, []byte("abcd"))

	n, err = d.Read(buf)
	c.Assert(err, IsNil)
	c.Assert(buf[:n], DeepEquals, []byte("ef"))
}

func (s *TestSuite) TestDuplexTeardownSwallowsReadError(c *C) {
	dev := &fakeDevice{readErr: errors.New("transfer cancelled")}
	d := newDuplex(dev, ConnectionConfig{In: 2, Out: 2})

	c.Assert(d.Close(), IsNil)
	c.Assert(dev.released, Equals, true)
	c.Assert(dev.closed, Equals, true)

	_, err := d.Read(make([]byte, 16))
	c.Assert(err, Equals, io.EOF)
}

func (s *TestSuite) TestDuplexReadErrorWithoutClose(c *C) {
	dev := &fakeDevice{readErr: errors.New("transfer failed")}
	d := newDuplex(dev, ConnectionConfig{In: 2, Out: 2})
	_, err := d.Read(make([]byte, 16))
	c.Assert(err, ErrorMatches, "transfer failed")
}

func (s *TestSuite) TestDiscoverFindsDevice(c *C) {
	bus := &fakeBus{presence: []bool{true}}
	m, err := Discover(bus, nil)
	c.Assert(err, IsNil)
	c.Assert(m.Info.Label, Not(Equals), "")
}

func (s *TestSuite) TestDiscoverStops(c *C) {
	stop := make(chan struct{})
	close(stop)
	bus := &fakeBus{presence: []bool{false}}
	_, err := Discover(bus, stop)
	c.Assert(errors.Is(err, ErrStopped), Equals, true)
}

func (s *TestSuite) TestWaitDisconnect(c *C) {
	bus := &fakeBus{presence: []bool{true, false}}
	c.Assert(WaitDisconnect(bus, 0x0830, 0x0060, nil), IsNil)
}
