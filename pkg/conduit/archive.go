// Package conduit bundles the synchronization steps the server runs
// against an open DLP connection: installing queued databases,
// downloading device databases, and updating the sync identity.
package conduit

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/palmkit/hotsync-engine/pkg/dlp"
)

// Archive is the host-side container for one device database: its
// creation parameters plus the records, in device index order. It is
// what the download conduit writes to storage and what the install
// conduit reads back.
type Archive struct {
	Creator [4]byte
	Type    [4]byte
	Flags   uint16
	Version uint16
	Records []dlp.Record
}

var archiveMagic = [4]byte{'P', 'K', 'D', 'B'}

const archiveVersion = 1

var ErrBadArchive = errors.New("conduit: malformed database archive")

// Encode serializes the archive.
func (a *Archive) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(archiveMagic[:])
	buf.WriteByte(archiveVersion)
	buf.Write(a.Creator[:])
	buf.Write(a.Type[:])
	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:], a.Flags)
	binary.BigEndian.PutUint16(hdr[2:], a.Version)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(a.Records)))
	buf.Write(hdr[:])
	for _, r := range a.Records {
		var rh [10]byte
		binary.BigEndian.PutUint32(rh[0:], r.ID)
		rh[4] = r.Attrs
		rh[5] = r.Category
		binary.BigEndian.PutUint32(rh[6:], uint32(len(r.Data)))
		buf.Write(rh[:])
		buf.Write(r.Data)
	}
	return buf.Bytes()
}

// DecodeArchive parses a serialized archive.
func DecodeArchive(data []byte) (*Archive, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != archiveMagic {
		return nil, errors.Wrap(ErrBadArchive, "bad magic")
	}
	ver, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrBadArchive, "truncated header")
	}
	if ver != archiveVersion {
		return nil, errors.Wrapf(ErrBadArchive, "unsupported version %d", ver)
	}
	a := &Archive{}
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(ErrBadArchive, "truncated header")
	}
	copy(a.Creator[:], hdr[0:4])
	copy(a.Type[:], hdr[4:8])
	a.Flags = binary.BigEndian.Uint16(hdr[8:10])
	a.Version = binary.BigEndian.Uint16(hdr[10:12])
	count := binary.BigEndian.Uint32(hdr[12:16])
	for i := uint32(0); i < count; i++ {
		var rh [10]byte
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			return nil, errors.Wrapf(ErrBadArchive, "record %d truncated", i)
		}
		rec := dlp.Record{
			ID:       binary.BigEndian.Uint32(rh[0:]),
			Index:    uint16(i),
			Attrs:    rh[4],
			Category: rh[5],
		}
		size := binary.BigEndian.Uint32(rh[6:])
		rec.Data = make([]byte, size)
		if _, err := io.ReadFull(r, rec.Data); err != nil {
			return nil, errors.Wrapf(ErrBadArchive, "record %d data truncated", i)
		}
		a.Records = append(a.Records, rec)
	}
	return a, nil
}

// merge applies modified records on top of the archive's current
// contents: records flagged deleted or archived are removed, others
// replace any existing record with the same ID or are appended.
func (a *Archive) merge(updates []dlp.Record) {
	for _, u := range updates {
		if u.Attrs&(dlp.AttrDeleted|dlp.AttrArchived) != 0 {
			a.remove(u.ID)
			continue
		}
		u.Attrs &^= dlp.AttrDirty
		if i := a.indexOf(u.ID); i >= 0 {
			a.Records[i] = u
		} else {
			a.Records = append(a.Records, u)
		}
	}
}

func (a *Archive) indexOf(id uint32) int {
	for i, r := range a.Records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (a *Archive) remove(id uint32) {
	if i := a.indexOf(id); i >= 0 {
		a.Records = append(a.Records[:i], a.Records[i+1:]...)
	}
}
