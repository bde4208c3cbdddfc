package peerwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// Inventory vector types relevant to block-found notification; tx
// vectors are received but ignored.
const (
	InvTypeError InvType = 0
	InvTypeTx    InvType = 1
	InvTypeBlock InvType = 2
)

type InvType uint32

// InvVector is one 36-byte (type, hash) inventory entry. Hash keeps
// the wire (internal) byte order; use its String method for the
// reversed, human-displayed form the RPC/explorer convention expects.
type InvVector struct {
	Type InvType
	Hash chainhash.Hash
}

// MsgInv is the "I have these objects" announcement. Only decoding is
// implemented: this peer client never advertises inventory of its own.
//
// The count prefix supports only the 1-byte and 0xfd-u16 CompactSize
// forms; an inv carrying more than 65535 vectors is far beyond what
// any node relays, so a 0xfe/0xff prefix is rejected rather than
// silently misparsed.
type MsgInv struct {
	Vectors []InvVector
}

var _ Message = &MsgInv{}

func (m *MsgInv) Command() string { return "inv" }

func (m *MsgInv) Encode() ([]byte, error) {
	return nil, errors.New("peerwire: inv encoding is not supported by this client")
}

func (m *MsgInv) Decode(b []byte) error {
	r := bytes.NewReader(b)
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return errors.Wrap(err, "inv: count")
	}

	var count int
	switch {
	case prefix[0] < 0xfd:
		count = int(prefix[0])
	case prefix[0] == 0xfd:
		var c uint16
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			return errors.Wrap(err, "inv: count (u16)")
		}
		count = int(c)
	default:
		return errors.New("inv: 32/64-bit count prefix is unsupported")
	}

	vectors := make([]InvVector, 0, count)
	for i := 0; i < count; i++ {
		var v InvVector
		var typ uint32
		if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
			return errors.Wrapf(err, "inv: vector %d type", i)
		}
		v.Type = InvType(typ)
		if _, err := io.ReadFull(r, v.Hash[:]); err != nil {
			return errors.Wrapf(err, "inv: vector %d hash", i)
		}
		vectors = append(vectors, v)
	}
	m.Vectors = vectors
	return nil
}
