package assembler

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TrailerSize is the length of the metadata suffix on every camera datagram.
const TrailerSize = 12

var (
	ErrShortDatagram     = errors.New("datagram shorter than trailer")
	ErrInvalidTrailer    = errors.New("invalid trailer")
	ErrFrameSizeMismatch = errors.New("total packets disagrees with pending frame")
)

// Packet is one camera fragment: payload bytes followed by a trailer of three
// little-endian uint32s (frame number, total packets, packet index).
type Packet struct {
	FrameNumber  uint32
	TotalPackets uint32
	PacketIndex  uint32
	Payload      []byte
}

// ParsePacket splits a datagram into payload and trailer fields. The returned
// payload aliases datagram.
func ParsePacket(datagram []byte) (Packet, error) {
	if len(datagram) < TrailerSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(datagram))
	}
	trailer := datagram[len(datagram)-TrailerSize:]
	p := Packet{
		FrameNumber:  binary.LittleEndian.Uint32(trailer[0:4]),
		TotalPackets: binary.LittleEndian.Uint32(trailer[4:8]),
		PacketIndex:  binary.LittleEndian.Uint32(trailer[8:12]),
		Payload:      datagram[:len(datagram)-TrailerSize],
	}
	if p.TotalPackets == 0 {
		return Packet{}, fmt.Errorf("%w: frame %d claims zero packets", ErrInvalidTrailer, p.FrameNumber)
	}
	if p.PacketIndex >= p.TotalPackets {
		return Packet{}, fmt.Errorf("%w: frame %d index %d >= total %d",
			ErrInvalidTrailer, p.FrameNumber, p.PacketIndex, p.TotalPackets)
	}
	return p, nil
}

// Marshal encodes the packet into wire form, as the camera firmware does. Only
// tests build datagrams with it.
func (p Packet) Marshal() []byte {
	buf := make([]byte, len(p.Payload)+TrailerSize)
	n := copy(buf, p.Payload)
	binary.LittleEndian.PutUint32(buf[n:], p.FrameNumber)
	binary.LittleEndian.PutUint32(buf[n+4:], p.TotalPackets)
	binary.LittleEndian.PutUint32(buf[n+8:], p.PacketIndex)
	return buf
}
