// Package codec implements the fixed-layout wire format exchanged over
// the device link. Frames are length-prefixed and checksum-trailed so a
// receiver can detect truncation on a raw byte stream:
//
//	magic[2] 'S''F' | ver[1] | type[1] | lenLE[2] | payload | crc32LE[4]
//
// The CRC-32 (IEEE) covers ver, type, len and payload. Decoding is a
// pure transform; any malformed input fails with domain.ErrFormat and
// the caller must drop the frame and await retransmission.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"shelfsync/internal/domain"
)

const (
	version        = 0x01
	headerSize     = 6
	trailerSize    = 4
	maxPayloadSize = 8192
)

var magic = [2]byte{'S', 'F'}

// Frame type identifiers.
const (
	typeStockUpdate byte = 0x01
	typeConfigPush  byte = 0x02
	typeAck         byte = 0x03
	typeNack        byte = 0x04
	typeHeartbeat   byte = 0x05
)

// Message is one decoded frame. Implementations are the five frame
// kinds below; nothing else crosses the link.
type Message interface {
	frameType() byte
}

// StockUpdate carries one stock delta from device to bridge.
type StockUpdate struct {
	Delta domain.StockDelta
}

// ConfigPush carries a full replacement ConfigSnapshot from bridge to
// device.
type ConfigPush struct {
	Snapshot domain.ConfigSnapshot
}

// Ack confirms durable acceptance of the delta with this sequence.
type Ack struct {
	Sequence uint64
}

// Nack refuses the delta with this sequence; the sender keeps it queued.
type Nack struct {
	Sequence uint64
	Reason   string
}

// Heartbeat is exchanged at a fixed interval while a session is open.
// The bridge side advertises the currently released firmware version;
// the device side reports battery.
type Heartbeat struct {
	FirmwareVersion uint32
	Battery         uint8
}

func (StockUpdate) frameType() byte { return typeStockUpdate }
func (ConfigPush) frameType() byte  { return typeConfigPush }
func (Ack) frameType() byte         { return typeAck }
func (Nack) frameType() byte        { return typeNack }
func (Heartbeat) frameType() byte   { return typeHeartbeat }

// Encode serializes a message into a complete frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPayloadSize {
		return nil, domain.NewDomainError("codec.Encode", domain.ErrInvalidInput,
			fmt.Sprintf("payload %d exceeds %d bytes", len(payload), maxPayloadSize))
	}

	frame := make([]byte, 0, headerSize+len(payload)+trailerSize)
	frame = append(frame, magic[0], magic[1], version, msg.frameType())
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	sum := crc32.ChecksumIEEE(frame[2 : headerSize+len(payload)])
	frame = binary.LittleEndian.AppendUint32(frame, sum)
	return frame, nil
}

// Decode parses a complete frame. It fails with domain.ErrFormat on
// truncated, trailing-garbage, or checksum-mismatched input.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize+trailerSize {
		return nil, formatErr("frame shorter than header")
	}
	if frame[0] != magic[0] || frame[1] != magic[1] {
		return nil, formatErr("bad magic")
	}
	if frame[2] != version {
		return nil, formatErr(fmt.Sprintf("unsupported version 0x%02x", frame[2]))
	}
	payloadLen := int(binary.LittleEndian.Uint16(frame[4:6]))
	if payloadLen > maxPayloadSize {
		return nil, formatErr("declared payload too large")
	}
	if len(frame) != headerSize+payloadLen+trailerSize {
		return nil, formatErr("frame length does not match declared payload")
	}
	want := binary.LittleEndian.Uint32(frame[headerSize+payloadLen:])
	if got := crc32.ChecksumIEEE(frame[2 : headerSize+payloadLen]); got != want {
		return nil, formatErr("checksum mismatch")
	}
	return decodePayload(frame[3], frame[headerSize:headerSize+payloadLen])
}

// ReadMessage reads exactly one frame from a byte stream. A short read
// mid-frame is a format error: the stream is desynchronized and the
// caller must reset the transport.
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, formatErr("short read: " + err.Error())
	}
	payloadLen := int(binary.LittleEndian.Uint16(header[4:6]))
	if payloadLen > maxPayloadSize {
		return nil, formatErr("declared payload too large")
	}
	rest := make([]byte, payloadLen+trailerSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, formatErr("truncated frame: " + err.Error())
	}
	return Decode(append(header, rest...))
}

// WriteMessage encodes msg and writes the frame to w.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return domain.NewDomainError("codec.WriteMessage", domain.ErrTransport, err.Error())
	}
	return nil
}

func formatErr(detail string) error {
	return domain.NewDomainError("codec.Decode", domain.ErrFormat, detail)
}

// --- payload encoding ---

func encodePayload(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case StockUpdate:
		le(&buf, m.Delta.Sequence)
		le(&buf, m.Delta.Count)
		buf.WriteByte(m.Delta.Battery)
		buf.WriteByte(m.Delta.Slot.Row)
		buf.WriteByte(m.Delta.Slot.Level)
		buf.WriteByte(m.Delta.Slot.Box)
		le(&buf, uint64(m.Delta.Timestamp.UnixMilli()))
		if err := putString(&buf, m.Delta.DeviceID); err != nil {
			return nil, err
		}
	case ConfigPush:
		s := m.Snapshot
		le(&buf, s.FirmwareVersion)
		le(&buf, s.FirmwareSize)
		buf.Write([]byte{s.Footprint.Row, s.Footprint.Level, s.Footprint.Box, s.Footprint.Height, s.Footprint.Width})
		for _, str := range []string{s.DeviceID, s.FirmwareURL, s.FirmwareSHA256} {
			if err := putString(&buf, str); err != nil {
				return nil, err
			}
		}
		if len(s.Items) > 255 {
			return nil, domain.NewDomainError("codec.Encode", domain.ErrInvalidInput, "too many items")
		}
		buf.WriteByte(byte(len(s.Items)))
		for _, it := range s.Items {
			buf.Write([]byte{it.Slot.Row, it.Slot.Level, it.Slot.Box})
			le(&buf, it.Count)
			le(&buf, it.MinStock)
			if err := putString(&buf, it.ID); err != nil {
				return nil, err
			}
			if err := putString(&buf, it.Name); err != nil {
				return nil, err
			}
		}
	case Ack:
		le(&buf, m.Sequence)
	case Nack:
		le(&buf, m.Sequence)
		if err := putString(&buf, m.Reason); err != nil {
			return nil, err
		}
	case Heartbeat:
		le(&buf, m.FirmwareVersion)
		buf.WriteByte(m.Battery)
	default:
		return nil, domain.NewDomainError("codec.Encode", domain.ErrInvalidInput, "unknown message type")
	}
	return buf.Bytes(), nil
}

func decodePayload(frameType byte, payload []byte) (Message, error) {
	r := &payloadReader{buf: payload}
	switch frameType {
	case typeStockUpdate:
		var m StockUpdate
		m.Delta.Sequence = r.uint64()
		m.Delta.Count = r.uint16()
		m.Delta.Battery = r.byte()
		m.Delta.Slot.Row = r.byte()
		m.Delta.Slot.Level = r.byte()
		m.Delta.Slot.Box = r.byte()
		m.Delta.Timestamp = time.UnixMilli(int64(r.uint64())).UTC()
		m.Delta.DeviceID = r.string()
		return finish(r, m)
	case typeConfigPush:
		var m ConfigPush
		s := &m.Snapshot
		s.FirmwareVersion = r.uint32()
		s.FirmwareSize = r.uint32()
		s.Footprint.Row = r.byte()
		s.Footprint.Level = r.byte()
		s.Footprint.Box = r.byte()
		s.Footprint.Height = r.byte()
		s.Footprint.Width = r.byte()
		s.DeviceID = r.string()
		s.FirmwareURL = r.string()
		s.FirmwareSHA256 = r.string()
		n := int(r.byte())
		for i := 0; i < n && r.err == nil; i++ {
			var it domain.Item
			it.Slot.Row = r.byte()
			it.Slot.Level = r.byte()
			it.Slot.Box = r.byte()
			it.Count = r.uint16()
			it.MinStock = r.uint16()
			it.ID = r.string()
			it.Name = r.string()
			s.Items = append(s.Items, it)
		}
		return finish(r, m)
	case typeAck:
		m := Ack{Sequence: r.uint64()}
		return finish(r, m)
	case typeNack:
		var m Nack
		m.Sequence = r.uint64()
		m.Reason = r.string()
		return finish(r, m)
	case typeHeartbeat:
		var m Heartbeat
		m.FirmwareVersion = r.uint32()
		m.Battery = r.byte()
		return finish(r, m)
	default:
		return nil, formatErr(fmt.Sprintf("unknown frame type 0x%02x", frameType))
	}
}

func finish(r *payloadReader, m Message) (Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != r.off {
		return nil, formatErr("trailing bytes after payload")
	}
	return m, nil
}

func le(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > 255 {
		return domain.NewDomainError("codec.Encode", domain.ErrInvalidInput, "string field exceeds 255 bytes")
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

// payloadReader is a bounds-checked cursor; the first failure sticks.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = formatErr("payload truncated")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *payloadReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *payloadReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *payloadReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *payloadReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *payloadReader) string() string {
	n := int(r.byte())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}
