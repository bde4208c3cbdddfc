package peerwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/byteutil"
)

var _ Message = &MsgVersion{}

// MsgVersion is the handshake-opening message. RelayTxPresent controls
// whether the trailing relayTx byte is written at all; when it is, its
// value is always a single zero byte, telling the node not to relay
// transactions to us.
type MsgVersion struct {
	Version     uint32
	Services    uint64
	Timestamp   int64
	AddrRecv    NetAddr
	AddrFrom    NetAddr
	Nonce       uint64
	UserAgent   string
	StartHeight uint32

	RelayTxPresent bool
}

func (m *MsgVersion) Command() string { return "version" }

func (m *MsgVersion) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(byteutil.PackUInt32LE(m.Version))
	buf.Write(byteutil.PackUInt64LE(m.Services))
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(m.Timestamp))
	buf.Write(ts)
	buf.Write(m.AddrRecv.Encode())
	buf.Write(m.AddrFrom.Encode())
	buf.Write(byteutil.PackUInt64LE(m.Nonce))
	buf.Write(byteutil.VarStringBuffer(m.UserAgent))
	buf.Write(byteutil.PackUInt32LE(m.StartHeight))
	if m.RelayTxPresent {
		buf.WriteByte(0x00)
	}
	return buf.Bytes(), nil
}

func (m *MsgVersion) Decode(b []byte) error {
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &m.Version); err != nil {
		return errors.Wrap(err, "version: version")
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Services); err != nil {
		return errors.Wrap(err, "version: services")
	}
	var ts int64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return errors.Wrap(err, "version: timestamp")
	}
	m.Timestamp = ts

	addrRecv, err := DecodeNetAddr(r)
	if err != nil {
		return errors.Wrap(err, "version: addrRecv")
	}
	m.AddrRecv = addrRecv

	addrFrom, err := DecodeNetAddr(r)
	if err != nil {
		return errors.Wrap(err, "version: addrFrom")
	}
	m.AddrFrom = addrFrom

	if err := binary.Read(r, binary.LittleEndian, &m.Nonce); err != nil {
		return errors.Wrap(err, "version: nonce")
	}

	ua, err := readVarString(r)
	if err != nil {
		return errors.Wrap(err, "version: userAgent")
	}
	m.UserAgent = string(ua)

	if err := binary.Read(r, binary.LittleEndian, &m.StartHeight); err != nil {
		return errors.Wrap(err, "version: startHeight")
	}

	// relayTx is optional trailing data; its absence is not an error.
	b, err = io.ReadAll(r)
	if err == nil {
		m.RelayTxPresent = len(b) > 0
	}
	return nil
}

func readVarString(r io.Reader) ([]byte, error) {
	count, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	if count > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, err
	}
	switch prefix[0] {
	case 0xfd:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case 0xfe:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case 0xff:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	default:
		return uint64(prefix[0]), nil
	}
}
