package transport

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Listener accepts NetSync connections from devices syncing over the
// network.
type Listener struct {
	l   net.Listener
	log *logrus.Entry
}

// Listen binds the NetSync port. An empty addr means all interfaces on
// the standard port.
func Listen(addr string) (*Listener, error) {
	if addr == "" {
		addr = fmt.Sprintf(":%d", types.NetSyncPort)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	logrus.WithField("addr", l.Addr().String()).Info("Listening for network sync")
	return &Listener{
		l:   l,
		log: logrus.WithField("transport", "tcp"),
	}, nil
}

// Accept blocks until a device connects and returns its duplex.
func (l *Listener) Accept() (types.Duplex, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accepting connection")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			l.log.WithError(err).Warn("Failed to disable Nagle")
		}
	}
	l.log.WithField("remote", conn.RemoteAddr().String()).Info("Device connected")
	return conn, nil
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() error {
	return l.l.Close()
}
