package dlp

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palmkit/hotsync-engine/pkg/types"
)

// Connection speaks the Desktop Link Protocol over a framed message
// duplex (PADP or NetSync). Requests are strictly sequential: the next
// request is not serialized until the previous response has been fully
// received.
type Connection struct {
	link types.MessageDuplex
	log  *logrus.Entry
}

func NewConnection(link types.MessageDuplex) *Connection {
	return &Connection{
		link: link,
		log:  logrus.WithField("layer", "dlp"),
	}
}

func (c *Connection) Close() error {
	return c.link.Close()
}

// Execute runs one request/response exchange. Argument values are
// given per schema argument, in field order; a nil slot omits an
// optional argument. The result holds decoded field values per
// response argument, nil where an optional argument was absent.
func (c *Connection) Execute(s *Schema, args [][]interface{}) ([][]interface{}, error) {
	payloads := make([][]byte, len(args))
	for i, vals := range args {
		if vals == nil {
			if !s.Req[i].Optional {
				return nil, errors.Errorf("dlp: %s: required argument %d omitted", s.Name, i)
			}
			continue
		}
		p, err := encodeFields(s.Req[i].Fields, vals)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: encoding argument %d", s.Name, i)
		}
		payloads[i] = p
	}

	c.log.WithFields(logrus.Fields{"cmd": s.Name, "args": len(args)}).Debug("Executing request")
	if err := c.link.WriteMessage(encodeRequest(s, payloads)); err != nil {
		return nil, errors.Wrapf(err, "%s: sending request", s.Name)
	}
	msg, err := c.link.ReadMessage()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading response", s.Name)
	}

	respPayloads, err := decodeResponse(s, msg)
	if err != nil {
		return nil, err
	}
	out := make([][]interface{}, len(respPayloads))
	for i, p := range respPayloads {
		if p == nil {
			continue
		}
		vals, err := decodeFields(s.Resp[i].Fields, p)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: decoding argument %d", s.Name, i)
		}
		out[i] = vals
	}
	return out, nil
}
