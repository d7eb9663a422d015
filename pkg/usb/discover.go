package usb

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// ErrStopped means discovery was shut down before a device appeared.
var ErrStopped = errors.New("usb: discovery stopped")

// Match is a table device seen on the bus.
type Match struct {
	VID, PID uint16
	Info     DeviceInfo
}

// Discover polls the bus until a known device appears or stop closes.
func Discover(bus Bus, stop <-chan struct{}) (*Match, error) {
	log := logrus.WithField("component", "discovery")
	ticker := time.NewTicker(types.DevicePollInterval)
	defer ticker.Stop()
	for {
		for _, known := range KnownDevices() {
			present, err := bus.Present(known.VID, known.PID)
			if err != nil {
				return nil, errors.Wrap(err, "polling bus")
			}
			if present {
				log.WithFields(logrus.Fields{
					"vid":    known.VID,
					"pid":    known.PID,
					"device": known.Info.Label,
				}).Info("Device discovered")
				return &Match{VID: known.VID, PID: known.PID, Info: known.Info}, nil
			}
		}
		select {
		case <-stop:
			return nil, ErrStopped
		case <-ticker.C:
		}
	}
}

// WaitDisconnect blocks until the device leaves the bus, so a finished
// session is not immediately rediscovered.
func WaitDisconnect(bus Bus, vid, pid uint16, stop <-chan struct{}) error {
	ticker := time.NewTicker(types.DevicePollInterval)
	defer ticker.Stop()
	for {
		present, err := bus.Present(vid, pid)
		if err != nil {
			return errors.Wrap(err, "polling bus")
		}
		if !present {
			return nil
		}
		select {
		case <-stop:
			return ErrStopped
		case <-ticker.C:
		}
	}
}

// Conn is an opened, claimed, and configured device ready for framing.
type Conn struct {
	Duplex types.Duplex
	Config ConnectionConfig
	Info   DeviceInfo
}

// Open claims the matched device, runs its init dialect, and resolves
// the endpoint pair.
func Open(bus Bus, m *Match) (*Conn, error) {
	log := logrus.WithFields(logrus.Fields{"vid": m.VID, "pid": m.PID, "device": m.Info.Label})

	dev, err := bus.Open(m.VID, m.PID)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", m.Info.Label)
	}
	if err := dev.DetachKernelDriver(); err != nil {
		log.WithError(err).Debug("Kernel driver detach not performed")
	}
	if err := dev.ClaimInterface(); err != nil {
		dev.Close()
		return nil, errors.Wrapf(err, "claiming %s", m.Info.Label)
	}

	cfg, err := resolveEndpoints(dev, m.Info.Dialect, log)
	if err != nil {
		dev.ReleaseInterface()
		dev.Close()
		return nil, errors.Wrapf(err, "configuring %s", m.Info.Label)
	}
	log.WithFields(logrus.Fields{"in": cfg.In, "out": cfg.Out}).Info("Device configured")

	return &Conn{
		Duplex: newDuplex(dev, *cfg),
		Config: *cfg,
		Info:   m.Info,
	}, nil
}
