package usb

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const readRequestSize = 64

// duplex adapts bulk endpoints to a byte stream. Reads request 64
// bytes at a time and buffer the surplus. A read already in flight
// when Close tears the handle down fails; the shouldClose flag turns
// that failure into EOF instead of an error.
type duplex struct {
	dev Device
	cfg ConnectionConfig
	log *logrus.Entry

	buf []byte

	mu          sync.Mutex
	shouldClose bool
}

func newDuplex(dev Device, cfg ConnectionConfig) *duplex {
	return &duplex{
		dev: dev,
		cfg: cfg,
		log: logrus.WithField("transport", "usb"),
	}
}

func (d *duplex) Read(p []byte) (int, error) {
	if len(d.buf) == 0 {
		chunk := make([]byte, readRequestSize)
		n, err := d.dev.BulkRead(d.cfg.In|0x80, chunk)
		if err != nil {
			if d.closing() {
				return 0, io.EOF
			}
			return 0, err
		}
		d.buf = chunk[:n]
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

func (d *duplex) Write(p []byte) (int, error) {
	return d.dev.BulkWrite(d.cfg.Out, p)
}

func (d *duplex) closing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shouldClose
}

func (d *duplex) Close() error {
	d.mu.Lock()
	d.shouldClose = true
	d.mu.Unlock()

	if err := d.dev.ReleaseInterface(); err != nil {
		d.log.WithError(err).Warn("Failed to release interface")
	}
	// Some drivers refuse to close with a bulk request pending.
	if err := d.dev.Close(); err != nil {
		d.log.WithError(err).Warn("Failed to close device")
	}
	return nil
}
