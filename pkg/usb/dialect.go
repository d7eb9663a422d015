package usb

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Vendor control requests understood by the HotSync port.
const (
	reqGetNumBytesAvailable  = 0x01
	reqGetConnectionInfo     = 0x03
	reqGetExtConnectionInfo  = 0x04
	vendorControlIn          = 0xC2 // device-to-host, vendor, endpoint
	standardGetConfiguration = 0x08
	standardGetInterface     = 0x0A
)

const funcHotSync = 2

// portCreatorSync is the four-byte tag of the HotSync port in an
// extended connection-info response.
var portCreatorSync = [4]byte{'c', 'n', 'y', 's'}

// ConnectionConfig is the resolved endpoint pair for the HotSync port.
type ConnectionConfig struct {
	In  byte
	Out byte
}

// ErrNoEndpoints means neither the vendor dialect nor descriptor
// inference produced a usable bulk pair.
var ErrNoEndpoints = errors.New("usb: no usable bulk endpoint pair")

// resolveEndpoints runs the device's init dialect and falls back to
// descriptor inference when the dialect yields nothing.
func resolveEndpoints(dev Device, dialect Dialect, log *logrus.Entry) (*ConnectionConfig, error) {
	var cfg *ConnectionConfig
	switch dialect {
	case DialectGeneric:
		cfg = genericInit(dev, log)
	case DialectEarlyClie:
		earlyClieInit(dev, log)
	}
	if cfg != nil {
		log.WithFields(logrus.Fields{"in": cfg.In, "out": cfg.Out}).Debug("Endpoints from vendor dialect")
		return cfg, nil
	}
	return inferEndpoints(dev)
}

// genericInit asks the device where its HotSync port lives. Requests
// are tried against each OUT endpoint until one answers.
func genericInit(dev Device, log *logrus.Entry) *ConnectionConfig {
	outs := outEndpoints(dev)

	for _, ep := range outs {
		buf := make([]byte, 64)
		n, err := dev.Control(vendorControlIn, reqGetExtConnectionInfo, 0, uint16(ep), buf)
		if err != nil {
			continue
		}
		if cfg := parseExtConnectionInfo(buf[:n]); cfg != nil {
			return cfg
		}
	}

	for _, ep := range outs {
		buf := make([]byte, 64)
		n, err := dev.Control(vendorControlIn, reqGetConnectionInfo, 0, uint16(ep), buf)
		if err != nil {
			continue
		}
		cfg := parseConnectionInfo(buf[:n])
		if cfg == nil {
			continue
		}
		// Some older devices need this poke before bulk transfers
		// start flowing; the answer itself is irrelevant.
		var avail [4]byte
		if _, err := dev.Control(vendorControlIn, reqGetNumBytesAvailable, 0, uint16(ep), avail[:]); err != nil {
			log.WithError(err).Debug("Bytes-available priming request failed")
		}
		return cfg
	}
	return nil
}

// parseExtConnectionInfo scans the port list for the sync port.
// Layout: count, hasDifferentEndpoints, 2 reserved bytes, then per
// port: 4-byte creator, port number, endpoint nibbles, 2 reserved.
func parseExtConnectionInfo(resp []byte) *ConnectionConfig {
	if len(resp) < 4 {
		return nil
	}
	count := int(resp[0])
	differentEndpoints := resp[1] != 0
	ports := resp[4:]
	for i := 0; i < count; i++ {
		off := i * 8
		if off+8 > len(ports) {
			return nil
		}
		entry := ports[off : off+8]
		if [4]byte(entry[0:4]) != portCreatorSync {
			continue
		}
		if differentEndpoints {
			return &ConnectionConfig{In: entry[5] >> 4, Out: entry[5] & 0x0F}
		}
		return &ConnectionConfig{In: entry[4], Out: entry[4]}
	}
	return nil
}

// parseConnectionInfo scans the simpler port list for the HotSync
// function. Layout: 2-byte little-endian count, 2 reserved bytes, then
// per port: function type, port number.
func parseConnectionInfo(resp []byte) *ConnectionConfig {
	if len(resp) < 4 {
		return nil
	}
	count := int(resp[0]) | int(resp[1])<<8
	ports := resp[4:]
	for i := 0; i < count; i++ {
		off := i * 2
		if off+2 > len(ports) {
			return nil
		}
		if ports[off] == funcHotSync {
			port := ports[off+1]
			return &ConnectionConfig{In: port, Out: port}
		}
	}
	return nil
}

// earlyClieInit pokes the device with the two standard requests it
// expects before syncing. No endpoint information comes back.
func earlyClieInit(dev Device, log *logrus.Entry) {
	var one [1]byte
	if _, err := dev.Control(0x80, standardGetConfiguration, 0, 0, one[:]); err != nil {
		log.WithError(err).Debug("GET_CONFIGURATION failed")
	}
	if _, err := dev.Control(0x81, standardGetInterface, 0, 0, one[:]); err != nil {
		log.WithError(err).Debug("GET_INTERFACE failed")
	}
}

// inferEndpoints falls back to the descriptors: first bulk IN and
// first bulk OUT with 64-byte packets.
func inferEndpoints(dev Device) (*ConnectionConfig, error) {
	var in, out *EndpointDesc
	for _, ep := range dev.Endpoints() {
		ep := ep
		if !ep.Bulk || ep.MaxPacket != 64 {
			continue
		}
		if ep.In() && in == nil {
			in = &ep
		}
		if !ep.In() && out == nil {
			out = &ep
		}
	}
	if in == nil || out == nil {
		return nil, ErrNoEndpoints
	}
	return &ConnectionConfig{In: in.Number(), Out: out.Number()}, nil
}

func outEndpoints(dev Device) []byte {
	var outs []byte
	for _, ep := range dev.Endpoints() {
		if !ep.In() {
			outs = append(outs, ep.Number())
		}
	}
	if len(outs) == 0 {
		outs = []byte{0}
	}
	return outs
}
