package transport

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// DefaultBaud is the rate cradles listen at before CMP negotiates a
// faster one.
const DefaultBaud = 9600

var (
	ErrPortNotFound   = errors.New("transport: serial port not found")
	ErrPortPermission = errors.New("transport: serial port permission denied")
	ErrPortBusy       = errors.New("transport: serial port busy")
)

// SerialPort is a cradle connection whose baud rate can be renegotiated
// after the CMP exchange.
type SerialPort struct {
	port serial.Port
	path string
	log  *logrus.Entry
}

// OpenSerial opens a cradle port at the pre-negotiation rate.
func OpenSerial(path string) (*SerialPort, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: DefaultBaud})
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	logrus.WithFields(logrus.Fields{"path": path, "baud": DefaultBaud}).Info("Opened serial port")
	return &SerialPort{
		port: port,
		path: path,
		log:  logrus.WithField("transport", "serial"),
	}, nil
}

// classifyOpenError maps open failures onto sentinels callers can act
// on (prompt for permissions, keep polling for the device).
func classifyOpenError(path string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return errors.Wrap(ErrPortNotFound, path)
		case serial.PermissionDenied:
			return errors.Wrap(ErrPortPermission, path)
		case serial.PortBusy:
			return errors.Wrap(ErrPortBusy, path)
		}
	}
	switch {
	case errors.Is(err, unix.ENOENT):
		return errors.Wrap(ErrPortNotFound, path)
	case errors.Is(err, unix.EACCES):
		return errors.Wrap(ErrPortPermission, path)
	case errors.Is(err, unix.EBUSY):
		return errors.Wrap(ErrPortBusy, path)
	}
	return errors.Wrapf(err, "opening %s", path)
}

// SetBaud switches the port to the CMP-negotiated rate.
func (p *SerialPort) SetBaud(baud int) error {
	if err := p.port.SetMode(&serial.Mode{BaudRate: baud}); err != nil {
		return errors.Wrapf(err, "setting %s to %d baud", p.path, baud)
	}
	p.log.WithField("baud", baud).Debug("Switched baud rate")
	return nil
}

func (p *SerialPort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *SerialPort) Write(b []byte) (int, error) { return p.port.Write(b) }

func (p *SerialPort) Close() error {
	return p.port.Close()
}

var _ types.Duplex = (*SerialPort)(nil)
