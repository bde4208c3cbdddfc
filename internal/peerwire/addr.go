package peerwire

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// NetAddr is the 26-byte (services, IP, port) structure embedded twice
// in a version message.
type NetAddr struct {
	Services uint64
	IP       net.IP
	Port     uint16
}

// Encode returns the fixed 26-byte wire representation.
func (a NetAddr) Encode() []byte {
	buf := make([]byte, 26)
	binary.LittleEndian.PutUint64(buf[0:8], a.Services)
	ip := a.IP.To16()
	if ip == nil {
		ip = net.IPv4zero.To16()
	}
	copy(buf[8:24], ip)
	binary.BigEndian.PutUint16(buf[24:26], a.Port)
	return buf
}

// DecodeNetAddr reads a NetAddr from r.
func DecodeNetAddr(r io.Reader) (NetAddr, error) {
	buf := make([]byte, 26)
	if _, err := io.ReadFull(r, buf); err != nil {
		return NetAddr{}, errors.Wrap(err, "peerwire: read net addr")
	}
	return NetAddr{
		Services: binary.LittleEndian.Uint64(buf[0:8]),
		IP:       net.IP(append([]byte{}, buf[8:24]...)),
		Port:     binary.BigEndian.Uint16(buf[24:26]),
	}, nil
}
