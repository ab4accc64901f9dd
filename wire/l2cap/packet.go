package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Fixed LE channel IDs.
const (
	ChannelSignaling uint16 = 0x0001
	ChannelATT       uint16 = 0x0004
	ChannelLESignal  uint16 = 0x0005
	ChannelSMP       uint16 = 0x0006
)

const (
	// HeaderLen is the basic frame header: length then channel ID.
	HeaderLen = 4
	// MaxPayload bounds a frame read from an untrusted stream. Large enough
	// for the biggest ATT MTU.
	MaxPayload = 517
)

// Packet is an L2CAP basic frame: [length u16][channel u16][payload].
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// NewATTPacket wraps an ATT PDU for the fixed ATT channel.
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// Encode serializes the frame.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode parses exactly one frame; trailing bytes are an error.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}

	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) != HeaderLen+length {
		return nil, fmt.Errorf("l2cap: length field %d does not match payload of %d bytes", length, len(data)-HeaderLen)
	}

	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   append([]byte{}, data[HeaderLen:]...),
	}, nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint16(hdr[0:2]))
	if length > MaxPayload {
		return nil, fmt.Errorf("l2cap: frame of %d bytes exceeds limit %d", length, MaxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("l2cap: truncated frame: %w", err)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("l2cap: payload of %d bytes exceeds limit %d", len(p.Payload), MaxPayload)
	}
	_, err := w.Write(p.Encode())
	return err
}
