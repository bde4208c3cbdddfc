// Package byteutil provides the fixed-width and variable-length byte
// packing primitives that the block template engine and the peer wire
// codec both depend on. Byte order and padding here are load-bearing for
// Stratum and peer-wire interoperability, so every routine is a small,
// independently testable function rather than inlined call-site logic.
package byteutil

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	sha256simd "github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

// PackUInt32LE packs n as 4 little-endian bytes.
func PackUInt32LE(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// PackUInt32BE packs n as 4 big-endian bytes.
func PackUInt32BE(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// PackInt32BE packs n as 4 big-endian bytes.
func PackInt32BE(n int32) []byte {
	return PackUInt32BE(uint32(n))
}

// PackInt64LE packs n as 8 little-endian bytes.
func PackInt64LE(n int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

// PackUInt64LE packs n as 8 little-endian bytes.
func PackUInt64LE(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

// VarIntBuffer encodes n using Bitcoin's CompactSize variable-length
// integer format.
func VarIntBuffer(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n < 0x10000:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n < 0x100000000:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// VarStringBuffer encodes s as varInt(len) followed by its UTF-8 bytes.
func VarStringBuffer(s string) []byte {
	raw := []byte(s)
	return append(VarIntBuffer(uint64(len(raw))), raw...)
}

// Sha256d returns SHA-256(SHA-256(buf)). The minio/sha256-simd
// implementation is used transparently where the platform offers a SIMD
// fast path; it falls back to the portable Go implementation otherwise.
func Sha256d(buf []byte) []byte {
	a := sha256simd.Sum256(buf)
	b := sha256simd.Sum256(a[:])
	return b[:]
}

// ReverseBuffer returns a copy of buf with byte order fully reversed.
func ReverseBuffer(buf []byte) []byte {
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[len(buf)-1-i] = b
	}
	return out
}

// ReverseByteOrder treats buf as a sequence of 32-bit words and reverses
// the byte order within each word, leaving word order unchanged. buf must
// be a multiple of 4 bytes long; callers pass 32-byte hashes in practice.
func ReverseByteOrder(buf []byte) ([]byte, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Errorf("reverseByteOrder: length %d is not a multiple of 4", len(buf))
	}
	out := make([]byte, len(buf))
	for i := 0; i < len(buf); i += 4 {
		out[i] = buf[i+3]
		out[i+1] = buf[i+2]
		out[i+2] = buf[i+1]
		out[i+3] = buf[i]
	}
	return out, nil
}

// Uint256BufferFromHash decodes a big-endian hex hash (as displayed by
// the RPC/explorer convention) and returns it fully byte-reversed, i.e.
// in the internal little-endian-word order used throughout the block
// template and wire layers.
func Uint256BufferFromHash(hexStr string) ([]byte, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, errors.Wrap(err, "uint256BufferFromHash: decode hex")
	}
	return ReverseBuffer(raw), nil
}

// BignumFromBitsHex expands the 4-byte compact "bits" representation
// into a 256-bit unsigned integer: mantissa * 256^(exponent-3). Target
// arithmetic stays in *big.Int throughout the template engine; nothing
// is converted to floating point until the final diff1/target division.
func BignumFromBitsHex(bitsHex string) (*big.Int, error) {
	raw, err := hex.DecodeString(bitsHex)
	if err != nil {
		return nil, errors.Wrap(err, "bignumFromBitsHex: decode hex")
	}
	if len(raw) != 4 {
		return nil, errors.Errorf("bignumFromBitsHex: expected 4 bytes, got %d", len(raw))
	}
	exponent := int(raw[0])
	mantissa := new(big.Int).SetBytes(raw[1:4])
	shift := (exponent - 3) * 8
	if shift >= 0 {
		return new(big.Int).Lsh(mantissa, uint(shift)), nil
	}
	return new(big.Int).Rsh(mantissa, uint(-shift)), nil
}
