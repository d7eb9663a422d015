package usb

import (
	"sort"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Dialect selects the vendor initialization sequence a device expects
// before bulk transfers work.
type Dialect int

const (
	// DialectNone skips vendor requests; endpoints come from the
	// interface descriptors.
	DialectNone Dialect = iota
	// DialectGeneric queries the HotSync port with the vendor
	// connection-info requests.
	DialectGeneric
	// DialectEarlyClie issues the two standard control requests that
	// pre-OS4 Sony devices want, with no endpoint information
	// returned.
	DialectEarlyClie
)

func (d Dialect) String() string {
	switch d {
	case DialectGeneric:
		return "generic"
	case DialectEarlyClie:
		return "early-sony-clie"
	default:
		return "none"
	}
}

// DeviceInfo is a known HotSync-capable device.
type DeviceInfo struct {
	Label   string
	Dialect Dialect
	Stack   types.ProtocolStack
}

func key(vid, pid uint16) uint32 {
	return uint32(vid)<<16 | uint32(pid)
}

const (
	vendorHandspring = 0x082D
	vendorPalm       = 0x0830
	vendorSony       = 0x054C
)

var deviceTable = map[uint32]DeviceInfo{
	key(vendorHandspring, 0x0100): {"Handspring Visor", DialectNone, types.StackSerial},
	key(vendorHandspring, 0x0200): {"Handspring Treo", DialectGeneric, types.StackSerial},
	key(vendorHandspring, 0x0300): {"Handspring Treo 600", DialectGeneric, types.StackNetSync},

	key(vendorPalm, 0x0001): {"Palm m500", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0002): {"Palm m505", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0003): {"Palm m515", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0020): {"Palm i705", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0040): {"Palm m125", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0050): {"Palm m130", DialectGeneric, types.StackSerial},
	key(vendorPalm, 0x0060): {"Palm Tungsten / Zire 71", DialectGeneric, types.StackNetSync},
	key(vendorPalm, 0x0061): {"Palm Zire 31/72", DialectGeneric, types.StackNetSync},
	key(vendorPalm, 0x0070): {"Palm Zire", DialectGeneric, types.StackNetSync},

	key(vendorSony, 0x0038): {"Sony Clie S300", DialectEarlyClie, types.StackSerial},
	key(vendorSony, 0x0066): {"Sony Clie T series", DialectGeneric, types.StackSerial},
	key(vendorSony, 0x0095): {"Sony Clie S360", DialectGeneric, types.StackSerial},
	key(vendorSony, 0x009A): {"Sony Clie NR70", DialectGeneric, types.StackSerial},
	key(vendorSony, 0x00DA): {"Sony Clie NX60", DialectGeneric, types.StackNetSync},
	key(vendorSony, 0x00E9): {"Sony Clie NZ90", DialectGeneric, types.StackNetSync},
}

// Lookup reports whether (vid, pid) is a known device.
func Lookup(vid, pid uint16) (DeviceInfo, bool) {
	info, ok := deviceTable[key(vid, pid)]
	return info, ok
}

// KnownDevice is one table entry with its identifiers, for listing.
type KnownDevice struct {
	VID, PID uint16
	Info     DeviceInfo
}

// KnownDevices returns the table sorted by (vid, pid).
func KnownDevices() []KnownDevice {
	out := make([]KnownDevice, 0, len(deviceTable))
	for k, info := range deviceTable {
		out = append(out, KnownDevice{
			VID:  uint16(k >> 16),
			PID:  uint16(k),
			Info: info,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VID != out[j].VID {
			return out[i].VID < out[j].VID
		}
		return out[i].PID < out[j].PID
	})
	return out
}
