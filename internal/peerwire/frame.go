// Package peerwire implements the Bitcoin-family peer wire framing and
// the handful of message types the block-found path needs: version,
// verack, and inv. Framing errors resynchronize the stream instead of
// disconnecting.
package peerwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/byteutil"
)

const (
	headerSize  = 24
	commandSize = 12
)

// Message is implemented by every peer wire payload type.
type Message interface {
	Command() string
	Encode() ([]byte, error)
	Decode(payload []byte) error
}

// EncodeFrame wraps a message's payload in the magic/command/length/
// checksum header.
func EncodeFrame(magic uint32, command string, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+len(payload))
	magicBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(magicBytes, magic)
	buf = append(buf, magicBytes...)

	cmd := make([]byte, commandSize)
	copy(cmd, command)
	buf = append(buf, cmd...)

	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(payload)))
	buf = append(buf, length...)

	checksum := byteutil.Sha256d(payload)
	buf = append(buf, checksum[:4]...)
	buf = append(buf, payload...)
	return buf
}

// EncodeMessage is EncodeFrame for a typed Message.
func EncodeMessage(magic uint32, m Message) ([]byte, error) {
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return EncodeFrame(magic, m.Command(), payload), nil
}

// FrameReader reads framed peer messages off a stream, resynchronizing
// on a bad magic number instead of treating it as fatal.
type FrameReader struct {
	r     *bufio.Reader
	magic uint32

	// OnBadMagic fires once per misalignment, before the reader
	// discards a leading byte and tries again.
	OnBadMagic func(error)
	// OnBadChecksum fires once per corrupt payload; the reader then
	// restarts reading from a fresh header.
	OnBadChecksum func(error)
}

// NewFrameReader wraps r, expecting every frame's magic field to equal magic.
func NewFrameReader(r io.Reader, magic uint32) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), magic: magic}
}

// Next blocks until one complete, checksum-valid frame has been read,
// returning its command and payload.
func (f *FrameReader) Next() (command string, payload []byte, err error) {
	hdr, err := f.alignedHeader()
	if err != nil {
		return "", nil, err
	}

	command = strings.TrimRight(string(hdr[4:4+commandSize]), "\x00")
	length := binary.LittleEndian.Uint32(hdr[16:20])
	checksum := hdr[20:24]

	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(f.r, payload); err != nil {
			return "", nil, errors.Wrap(err, "peerwire: read payload")
		}
	}

	sum := byteutil.Sha256d(payload)
	if !bytes.Equal(sum[:4], checksum) {
		if f.OnBadChecksum != nil {
			f.OnBadChecksum(errors.New("bad payload - failed checksum"))
		}
		return f.Next()
	}
	return command, payload, nil
}

// alignedHeader reads 24 bytes and, if the magic doesn't line up,
// shifts the window one byte at a time until it does (or the stream
// ends).
func (f *FrameReader) alignedHeader() ([]byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f.r, hdr); err != nil {
		return nil, errors.Wrap(err, "peerwire: read header")
	}

	emitted := false
	for binary.LittleEndian.Uint32(hdr[0:4]) != f.magic {
		if !emitted {
			if f.OnBadMagic != nil {
				f.OnBadMagic(errors.New("bad magic number"))
			}
			emitted = true
		}
		copy(hdr, hdr[1:])
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "peerwire: resync")
		}
		hdr[headerSize-1] = b
	}
	return hdr, nil
}
