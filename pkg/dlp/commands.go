package dlp

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Command IDs.
const (
	CmdReadUserInfo        = 0x10
	CmdWriteUserInfo       = 0x11
	CmdReadSysInfo         = 0x12
	CmdGetSysDateTime      = 0x13
	CmdSetSysDateTime      = 0x14
	CmdReadDBList          = 0x16
	CmdOpenDB              = 0x17
	CmdCreateDB            = 0x18
	CmdCloseDB             = 0x19
	CmdDeleteDB            = 0x1A
	CmdReadAppBlock        = 0x1B
	CmdWriteAppBlock       = 0x1C
	CmdReadNextModifiedRec = 0x1F
	CmdReadRecord          = 0x20
	CmdWriteRecord         = 0x21
	CmdDeleteRecord        = 0x22
	CmdResetSyncFlags      = 0x27
	CmdAddSyncLogEntry     = 0x2A
	CmdReadOpenDBInfo      = 0x2B
	CmdOpenConduit         = 0x2E
	CmdEndOfSync           = 0x2F
	CmdResetDBIndex        = 0x30
)

// ReadDBList request flags.
const (
	DBListRAM      = 0x80
	DBListROM      = 0x40
	DBListMultiple = 0x20
)

// OpenDB modes.
const (
	OpenModeRead      = 0x80
	OpenModeWrite     = 0x40
	OpenModeExclusive = 0x20
	OpenModeSecret    = 0x10
)

// WriteUserInfo modification flags.
const (
	ModUserID   = 0x80
	ModSyncPC   = 0x40
	ModSyncDate = 0x20
	ModName     = 0x10
	ModViewerID = 0x08
)

// Record attribute bits.
const (
	AttrDeleted  = 0x80
	AttrDirty    = 0x40
	AttrBusy     = 0x20
	AttrSecret   = 0x10
	AttrArchived = 0x08
)

// EndOfSync status codes.
const (
	SyncStatusOK            = 0x0000
	SyncStatusOutOfMemory   = 0x0001
	SyncStatusUserCancelled = 0x0002
	SyncStatusOther         = 0x0003
)

var (
	readSysInfoSchema = &Schema{
		Name: "ReadSysInfo",
		Cmd:  CmdReadSysInfo,
		Resp: []Arg{{Fields: []Field{
			{Name: "romVersion", Type: Uint32},
			{Name: "localizationID", Type: Uint32},
			{Name: "productID", Type: Tail},
		}}},
	}

	readUserInfoSchema = &Schema{
		Name: "ReadUserInfo",
		Cmd:  CmdReadUserInfo,
		Resp: []Arg{{Fields: []Field{
			{Name: "userID", Type: Uint32},
			{Name: "viewerID", Type: Uint32},
			{Name: "lastSyncPC", Type: Uint32},
			{Name: "successfulSyncDate", Type: DateTime},
			{Name: "lastSyncDate", Type: DateTime},
			{Name: "userNameLen", Type: Uint8},
			{Name: "passwordLen", Type: Uint8},
			{Name: "names", Type: Tail},
		}}},
	}

	writeUserInfoSchema = &Schema{
		Name: "WriteUserInfo",
		Cmd:  CmdWriteUserInfo,
		Req: []Arg{{Fields: []Field{
			{Name: "userID", Type: Uint32},
			{Name: "viewerID", Type: Uint32},
			{Name: "lastSyncPC", Type: Uint32},
			{Name: "lastSyncDate", Type: DateTime},
			{Name: "modFlags", Type: Uint8},
			{Name: "userNameLen", Type: Uint8},
			{Name: "userName", Type: Tail},
		}}},
	}

	getSysDateTimeSchema = &Schema{
		Name: "GetSysDateTime",
		Cmd:  CmdGetSysDateTime,
		Resp: []Arg{{Fields: []Field{{Name: "dateTime", Type: DateTime}}}},
	}

	setSysDateTimeSchema = &Schema{
		Name: "SetSysDateTime",
		Cmd:  CmdSetSysDateTime,
		Req:  []Arg{{Fields: []Field{{Name: "dateTime", Type: DateTime}}}},
	}

	readDBListSchema = &Schema{
		Name: "ReadDBList",
		Cmd:  CmdReadDBList,
		Req: []Arg{{Fields: []Field{
			{Name: "flags", Type: Uint8},
			{Name: "cardNo", Type: Uint8},
			{Name: "startIndex", Type: Uint16},
		}}},
		Resp: []Arg{{Fields: []Field{
			{Name: "lastIndex", Type: Uint16},
			{Name: "flags", Type: Uint8},
			{Name: "count", Type: Uint8},
			{Name: "entries", Type: Tail},
		}}},
	}

	openDBSchema = &Schema{
		Name: "OpenDB",
		Cmd:  CmdOpenDB,
		Req: []Arg{{Fields: []Field{
			{Name: "cardNo", Type: Uint8},
			{Name: "mode", Type: Uint8},
			{Name: "name", Type: CString},
		}}},
		Resp: []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
	}

	createDBSchema = &Schema{
		Name: "CreateDB",
		Cmd:  CmdCreateDB,
		Req: []Arg{{Fields: []Field{
			{Name: "creator", Type: FixedBytes, Len: 4},
			{Name: "type", Type: FixedBytes, Len: 4},
			{Name: "cardNo", Type: Uint8},
			{Name: "pad", Type: Uint8},
			{Name: "dbFlags", Type: Uint16},
			{Name: "version", Type: Uint16},
			{Name: "name", Type: CString},
		}}},
		Resp: []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
	}

	closeDBSchema = &Schema{
		Name: "CloseDB",
		Cmd:  CmdCloseDB,
		Req:  []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
	}

	deleteDBSchema = &Schema{
		Name: "DeleteDB",
		Cmd:  CmdDeleteDB,
		Req: []Arg{{Fields: []Field{
			{Name: "cardNo", Type: Uint8},
			{Name: "pad", Type: Uint8},
			{Name: "name", Type: CString},
		}}},
	}

	readAppBlockSchema = &Schema{
		Name: "ReadAppBlock",
		Cmd:  CmdReadAppBlock,
		Req: []Arg{{Fields: []Field{
			{Name: "dbHandle", Type: Uint8},
			{Name: "pad", Type: Uint8},
			{Name: "offset", Type: Uint16},
			{Name: "length", Type: Uint16},
		}}},
		Resp: []Arg{{Fields: []Field{
			{Name: "size", Type: Uint16},
			{Name: "data", Type: Tail},
		}}},
	}

	writeAppBlockSchema = &Schema{
		Name: "WriteAppBlock",
		Cmd:  CmdWriteAppBlock,
		Req: []Arg{{Fields: []Field{
			{Name: "dbHandle", Type: Uint8},
			{Name: "pad", Type: Uint8},
			{Name: "length", Type: Uint16},
			{Name: "data", Type: Tail},
		}}},
	}

	recordRespFields = []Field{
		{Name: "recordID", Type: Uint32},
		{Name: "index", Type: Uint16},
		{Name: "size", Type: Uint16},
		{Name: "attrs", Type: Uint8},
		{Name: "category", Type: Uint8},
		{Name: "data", Type: Tail},
	}

	readNextModifiedRecSchema = &Schema{
		Name: "ReadNextModifiedRec",
		Cmd:  CmdReadNextModifiedRec,
		Req:  []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
		Resp: []Arg{{Fields: recordRespFields}},
	}

	readRecordSchema = &Schema{
		Name: "ReadRecord",
		Cmd:  CmdReadRecord,
		Req: []Arg{
			{Optional: true, Fields: []Field{ // by record ID
				{Name: "dbHandle", Type: Uint8},
				{Name: "pad", Type: Uint8},
				{Name: "recordID", Type: Uint32},
				{Name: "offset", Type: Uint16},
				{Name: "length", Type: Uint16},
			}},
			{Optional: true, Fields: []Field{ // by index
				{Name: "dbHandle", Type: Uint8},
				{Name: "pad", Type: Uint8},
				{Name: "index", Type: Uint16},
				{Name: "offset", Type: Uint16},
				{Name: "length", Type: Uint16},
			}},
		},
		Resp: []Arg{{Fields: recordRespFields}},
	}

	writeRecordSchema = &Schema{
		Name: "WriteRecord",
		Cmd:  CmdWriteRecord,
		Req: []Arg{{Fields: []Field{
			{Name: "dbHandle", Type: Uint8},
			{Name: "flags", Type: Uint8},
			{Name: "recordID", Type: Uint32},
			{Name: "attrs", Type: Uint8},
			{Name: "category", Type: Uint8},
			{Name: "data", Type: Tail},
		}}},
		Resp: []Arg{{Fields: []Field{{Name: "recordID", Type: Uint32}}}},
	}

	deleteRecordSchema = &Schema{
		Name: "DeleteRecord",
		Cmd:  CmdDeleteRecord,
		Req: []Arg{{Fields: []Field{
			{Name: "dbHandle", Type: Uint8},
			{Name: "flags", Type: Uint8},
			{Name: "recordID", Type: Uint32},
		}}},
	}

	resetSyncFlagsSchema = &Schema{
		Name: "ResetSyncFlags",
		Cmd:  CmdResetSyncFlags,
		Req:  []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
	}

	addSyncLogEntrySchema = &Schema{
		Name: "AddSyncLogEntry",
		Cmd:  CmdAddSyncLogEntry,
		Req:  []Arg{{Fields: []Field{{Name: "text", Type: CString}}}},
	}

	readOpenDBInfoSchema = &Schema{
		Name: "ReadOpenDBInfo",
		Cmd:  CmdReadOpenDBInfo,
		Req:  []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
		Resp: []Arg{{Fields: []Field{{Name: "numRecords", Type: Uint16}}}},
	}

	openConduitSchema = &Schema{
		Name: "OpenConduit",
		Cmd:  CmdOpenConduit,
	}

	endOfSyncSchema = &Schema{
		Name: "EndOfSync",
		Cmd:  CmdEndOfSync,
		Req:  []Arg{{Fields: []Field{{Name: "status", Type: Uint16}}}},
	}

	resetDBIndexSchema = &Schema{
		Name: "ResetDBIndex",
		Cmd:  CmdResetDBIndex,
		Req:  []Arg{{Fields: []Field{{Name: "dbHandle", Type: Uint8}}}},
	}
)

// SysInfo is the device's system description.
type SysInfo struct {
	RomVersion     uint32
	LocalizationID uint32
	ProductID      []byte
}

// UserInfo is the identity block HotSync uses to recognize a device.
type UserInfo struct {
	UserID             uint32
	ViewerID           uint32
	LastSyncPC         uint32
	SuccessfulSyncDate time.Time
	LastSyncDate       time.Time
	Name               string
	Password           []byte
}

// DBInfo describes one database in a ReadDBList response.
type DBInfo struct {
	MiscFlags  byte
	Flags      uint16
	Type       [4]byte
	Creator    [4]byte
	Version    uint16
	ModNum     uint32
	CreateDate time.Time
	ModifyDate time.Time
	BackupDate time.Time
	Index      uint16
	Name       string
}

// Record is one database record read from the device.
type Record struct {
	ID       uint32
	Index    uint16
	Attrs    byte
	Category byte
	Data     []byte
}

// IsNotFound reports whether err is the device telling us there is
// nothing (more) to read.
func IsNotFound(err error) bool {
	var dlpErr *Error
	return errors.As(err, &dlpErr) && dlpErr.Code == CodeNotFound
}

func (c *Connection) ReadSysInfo() (*SysInfo, error) {
	resp, err := c.Execute(readSysInfoSchema, nil)
	if err != nil {
		return nil, err
	}
	vals := resp[0]
	return &SysInfo{
		RomVersion:     vals[0].(uint32),
		LocalizationID: vals[1].(uint32),
		ProductID:      vals[2].([]byte),
	}, nil
}

func (c *Connection) ReadUserInfo() (*UserInfo, error) {
	resp, err := c.Execute(readUserInfoSchema, nil)
	if err != nil {
		return nil, err
	}
	vals := resp[0]
	ui := &UserInfo{
		UserID:             vals[0].(uint32),
		ViewerID:           vals[1].(uint32),
		LastSyncPC:         vals[2].(uint32),
		SuccessfulSyncDate: vals[3].(time.Time),
		LastSyncDate:       vals[4].(time.Time),
	}
	nameLen := int(vals[5].(byte))
	passLen := int(vals[6].(byte))
	names := vals[7].([]byte)
	if nameLen > 0 && nameLen <= len(names) {
		// The stored length includes the terminating null.
		ui.Name = string(bytes.TrimRight(names[:nameLen], "\x00"))
	}
	if passLen > 0 && nameLen+passLen <= len(names) {
		ui.Password = names[nameLen : nameLen+passLen]
	}
	return ui, nil
}

func (c *Connection) WriteUserInfo(ui *UserInfo, modFlags byte) error {
	name := append([]byte(ui.Name), 0)
	_, err := c.Execute(writeUserInfoSchema, [][]interface{}{{
		ui.UserID, ui.ViewerID, ui.LastSyncPC, ui.LastSyncDate,
		byte(modFlags), byte(len(name)), name,
	}})
	return err
}

func (c *Connection) GetSysDateTime() (time.Time, error) {
	resp, err := c.Execute(getSysDateTimeSchema, nil)
	if err != nil {
		return time.Time{}, err
	}
	return resp[0][0].(time.Time), nil
}

func (c *Connection) SetSysDateTime(t time.Time) error {
	_, err := c.Execute(setSysDateTimeSchema, [][]interface{}{{t}})
	return err
}

// ReadDBList enumerates databases on the given card, following the
// continuation flag across multiple requests.
func (c *Connection) ReadDBList(flags byte, cardNo byte) ([]DBInfo, error) {
	var dbs []DBInfo
	start := uint16(0)
	for {
		resp, err := c.Execute(readDBListSchema, [][]interface{}{
			{byte(flags | DBListMultiple), cardNo, start},
		})
		if err != nil {
			if IsNotFound(err) {
				return dbs, nil
			}
			return nil, err
		}
		vals := resp[0]
		lastIndex := vals[0].(uint16)
		more := vals[1].(byte)&0x80 != 0
		count := int(vals[2].(byte))
		entries, err := parseDBInfoList(vals[3].([]byte), count)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, entries...)
		if !more {
			return dbs, nil
		}
		start = lastIndex + 1
	}
}

func parseDBInfoList(raw []byte, count int) ([]DBInfo, error) {
	out := make([]DBInfo, 0, count)
	r := bytes.NewReader(raw)
	for i := 0; i < count; i++ {
		var hdr [44]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrapf(ErrMalformedArgument, "database entry %d truncated", i)
		}
		size := int(hdr[0])
		var db DBInfo
		db.MiscFlags = hdr[1]
		db.Flags = binary.BigEndian.Uint16(hdr[2:4])
		copy(db.Type[:], hdr[4:8])
		copy(db.Creator[:], hdr[8:12])
		db.Version = binary.BigEndian.Uint16(hdr[12:14])
		db.ModNum = binary.BigEndian.Uint32(hdr[14:18])
		db.CreateDate = decodeDateTime(hdr[18:26])
		db.ModifyDate = decodeDateTime(hdr[26:34])
		db.BackupDate = decodeDateTime(hdr[34:42])
		db.Index = binary.BigEndian.Uint16(hdr[42:44])
		name, err := readCString(r)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedArgument, "database entry %d name truncated", i)
		}
		db.Name = name
		// Entries are padded to the declared size.
		if used := len(hdr) + len(name) + 1; size > used {
			if _, err := r.Seek(int64(size-used), io.SeekCurrent); err != nil {
				return nil, errors.Wrapf(ErrMalformedArgument, "database entry %d padding", i)
			}
		}
		out = append(out, db)
	}
	return out, nil
}

func (c *Connection) OpenDB(cardNo byte, mode byte, name string) (byte, error) {
	resp, err := c.Execute(openDBSchema, [][]interface{}{{cardNo, mode, name}})
	if err != nil {
		return 0, err
	}
	return resp[0][0].(byte), nil
}

func (c *Connection) CreateDB(creator, dbType [4]byte, cardNo byte, flags uint16, version uint16, name string) (byte, error) {
	resp, err := c.Execute(createDBSchema, [][]interface{}{{
		creator[:], dbType[:], cardNo, byte(0), flags, version, name,
	}})
	if err != nil {
		return 0, err
	}
	return resp[0][0].(byte), nil
}

func (c *Connection) CloseDB(handle byte) error {
	_, err := c.Execute(closeDBSchema, [][]interface{}{{handle}})
	return err
}

func (c *Connection) DeleteDB(cardNo byte, name string) error {
	_, err := c.Execute(deleteDBSchema, [][]interface{}{{cardNo, byte(0), name}})
	return err
}

func (c *Connection) ReadAppBlock(handle byte, offset, length uint16) ([]byte, error) {
	resp, err := c.Execute(readAppBlockSchema, [][]interface{}{{handle, byte(0), offset, length}})
	if err != nil {
		return nil, err
	}
	return resp[0][1].([]byte), nil
}

func (c *Connection) WriteAppBlock(handle byte, data []byte) error {
	_, err := c.Execute(writeAppBlockSchema, [][]interface{}{{
		handle, byte(0), uint16(len(data)), data,
	}})
	return err
}

func recordFromVals(vals []interface{}) *Record {
	return &Record{
		ID:       vals[0].(uint32),
		Index:    vals[1].(uint16),
		Attrs:    vals[3].(byte),
		Category: vals[4].(byte),
		Data:     vals[5].([]byte),
	}
}

// ReadNextModifiedRecord returns the next dirty record, or a NotFound
// device error once the modified set is exhausted.
func (c *Connection) ReadNextModifiedRecord(handle byte) (*Record, error) {
	resp, err := c.Execute(readNextModifiedRecSchema, [][]interface{}{{handle}})
	if err != nil {
		return nil, err
	}
	return recordFromVals(resp[0]), nil
}

func (c *Connection) ReadRecordByIndex(handle byte, index uint16) (*Record, error) {
	resp, err := c.Execute(readRecordSchema, [][]interface{}{
		nil,
		{handle, byte(0), index, uint16(0), uint16(0xFFFF)},
	})
	if err != nil {
		return nil, err
	}
	return recordFromVals(resp[0]), nil
}

func (c *Connection) ReadRecordByID(handle byte, recordID uint32) (*Record, error) {
	resp, err := c.Execute(readRecordSchema, [][]interface{}{
		{handle, byte(0), recordID, uint16(0), uint16(0xFFFF)},
		nil,
	})
	if err != nil {
		return nil, err
	}
	return recordFromVals(resp[0]), nil
}

func (c *Connection) WriteRecord(handle byte, rec *Record) (uint32, error) {
	resp, err := c.Execute(writeRecordSchema, [][]interface{}{{
		handle, byte(0x80), rec.ID, rec.Attrs, rec.Category, rec.Data,
	}})
	if err != nil {
		return 0, err
	}
	return resp[0][0].(uint32), nil
}

func (c *Connection) DeleteRecord(handle byte, recordID uint32) error {
	_, err := c.Execute(deleteRecordSchema, [][]interface{}{{handle, byte(0), recordID}})
	return err
}

func (c *Connection) ResetSyncFlags(handle byte) error {
	_, err := c.Execute(resetSyncFlagsSchema, [][]interface{}{{handle}})
	return err
}

func (c *Connection) AddSyncLogEntry(text string) error {
	_, err := c.Execute(addSyncLogEntrySchema, [][]interface{}{{text}})
	return err
}

func (c *Connection) ReadOpenDBInfo(handle byte) (uint16, error) {
	resp, err := c.Execute(readOpenDBInfoSchema, [][]interface{}{{handle}})
	if err != nil {
		return 0, err
	}
	return resp[0][0].(uint16), nil
}

func (c *Connection) OpenConduit() error {
	_, err := c.Execute(openConduitSchema, nil)
	return err
}

func (c *Connection) EndOfSync(status uint16) error {
	_, err := c.Execute(endOfSyncSchema, [][]interface{}{{status}})
	return err
}

func (c *Connection) ResetDBIndex(handle byte) error {
	_, err := c.Execute(resetDBIndexSchema, [][]interface{}{{handle}})
	return err
}
