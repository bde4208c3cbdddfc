package peerwire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMagic = 0xd9b4bef9

func TestEncodeDecodeFrameRoundTrips(t *testing.T) {
	frame := EncodeFrame(testMagic, "verack", nil)
	fr := NewFrameReader(bytes.NewReader(frame), testMagic)

	cmd, payload, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "verack", cmd)
	require.Empty(t, payload)
}

func TestFrameReaderResyncsOnBadMagic(t *testing.T) {
	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	good := EncodeFrame(testMagic, "verack", nil)

	var badMagicCount int
	fr := NewFrameReader(bytes.NewReader(append(garbage, good...)), testMagic)
	fr.OnBadMagic = func(error) { badMagicCount++ }

	cmd, _, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "verack", cmd)
	require.Equal(t, 1, badMagicCount)
}

func TestFrameReaderResyncsOnBadChecksum(t *testing.T) {
	good := EncodeFrame(testMagic, "verack", []byte("payload"))
	corrupted := append([]byte{}, good...)
	corrupted[20] ^= 0xff // flip a checksum byte

	next := EncodeFrame(testMagic, "verack", nil)

	var badChecksumCount int
	fr := NewFrameReader(bytes.NewReader(append(corrupted, next...)), testMagic)
	fr.OnBadChecksum = func(error) { badChecksumCount++ }

	cmd, payload, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "verack", cmd)
	require.Empty(t, payload)
	require.Equal(t, 1, badChecksumCount)
}

func TestMsgVersionEncodeDecode(t *testing.T) {
	v := &MsgVersion{
		Version:     70015,
		Services:    1,
		Timestamp:   1700000000,
		AddrRecv:    NetAddr{Services: 1, IP: net.ParseIP("127.0.0.1"), Port: 8333},
		AddrFrom:    NetAddr{Services: 1, IP: net.ParseIP("127.0.0.2"), Port: 8334},
		Nonce:       1234567890,
		UserAgent:   "/stratumpool:0.1.0/",
		StartHeight: 650000,
	}
	encoded, err := v.Encode()
	require.NoError(t, err)

	var decoded MsgVersion
	require.NoError(t, decoded.Decode(encoded))
	require.Equal(t, v.Version, decoded.Version)
	require.Equal(t, v.UserAgent, decoded.UserAgent)
	require.Equal(t, v.StartHeight, decoded.StartHeight)
	require.False(t, decoded.RelayTxPresent)
}

func TestMsgVersionRelayTxByteIsLiteralZero(t *testing.T) {
	v := &MsgVersion{RelayTxPresent: true, UserAgent: "ua"}
	encoded, err := v.Encode()
	require.NoError(t, err)
	require.Equal(t, byte(0x00), encoded[len(encoded)-1])

	var decoded MsgVersion
	require.NoError(t, decoded.Decode(encoded))
	require.True(t, decoded.RelayTxPresent)
}

func TestMsgInvDispatchesBlockType(t *testing.T) {
	var hash [32]byte
	hash[0] = 0xaa

	var buf bytes.Buffer
	buf.WriteByte(1) // count
	buf.Write([]byte{0x02, 0x00, 0x00, 0x00})
	buf.Write(hash[:])

	var inv MsgInv
	require.NoError(t, inv.Decode(buf.Bytes()))
	require.Len(t, inv.Vectors, 1)
	require.Equal(t, InvTypeBlock, inv.Vectors[0].Type)
}

func TestMsgInvRejectsUnsupportedCountPrefix(t *testing.T) {
	var inv MsgInv
	require.Error(t, inv.Decode([]byte{0xfe, 0, 0, 0, 0}))
}
