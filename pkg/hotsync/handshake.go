package hotsync

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/cmp"
	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/netsync"
	"github.com/palmkit/hotsync-engine/pkg/padp"
	"github.com/palmkit/hotsync-engine/pkg/slp"
	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Connect layers the framing stack the device speaks over its raw
// duplex, runs the stack's handshake, and returns the DLP connection
// ready for requests. The caller owns closing the returned connection,
// which closes the duplex underneath.
func Connect(duplex types.Duplex, stack types.ProtocolStack) (*dlp.Connection, error) {
	log := logrus.WithField("stack", stack.String())
	switch stack {
	case types.StackSerial:
		link := padp.New(slp.NewConn(duplex))
		result, err := cmp.Handshake(link)
		if err != nil {
			link.Close()
			return nil, errors.Wrap(err, "cmp handshake")
		}
		log.WithFields(logrus.Fields{
			"verMajor": result.VerMajor,
			"verMinor": result.VerMinor,
			"baud":     result.Baud,
		}).Info("Handshake complete")
		return dlp.NewConnection(link), nil

	case types.StackNetSync:
		conn := netsync.NewConn(duplex)
		if err := conn.Handshake(); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "netsync handshake")
		}
		log.Info("Handshake complete")
		return dlp.NewConnection(conn), nil
	}
	return nil, errors.Errorf("hotsync: unknown protocol stack %d", stack)
}
