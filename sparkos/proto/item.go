package proto

import "encoding/binary"

// U32Size is the queue item size of a U32Payload.
const U32Size = 4

// U32Payload encodes a single little-endian u32 item.
func U32Payload(v uint32) []byte {
	buf := make([]byte, U32Size)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// DecodeU32 decodes a U32Payload.
func DecodeU32(b []byte) (v uint32, ok bool) {
	if len(b) < U32Size {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}

// SampleSize is the queue item size of an encoded Sample.
const SampleSize = 12

// Sample is one reading published by a sensor task.
type Sample struct {
	Channel uint16
	Seq     uint16
	Value   uint32
	Tick    uint32
}

// Encode writes the sample into buf, which must hold SampleSize bytes.
//
// Layout (little-endian):
//   - u16: channel
//   - u16: sequence number
//   - u32: value
//   - u32: tick the reading was taken
func (s Sample) Encode(buf []byte) {
	_ = buf[SampleSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], s.Channel)
	binary.LittleEndian.PutUint16(buf[2:4], s.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], s.Value)
	binary.LittleEndian.PutUint32(buf[8:12], s.Tick)
}

// SamplePayload encodes s into a new buffer.
func SamplePayload(s Sample) []byte {
	buf := make([]byte, SampleSize)
	s.Encode(buf)
	return buf
}

// DecodeSample decodes a SamplePayload.
func DecodeSample(b []byte) (s Sample, ok bool) {
	if len(b) < SampleSize {
		return Sample{}, false
	}
	s.Channel = binary.LittleEndian.Uint16(b[0:2])
	s.Seq = binary.LittleEndian.Uint16(b[2:4])
	s.Value = binary.LittleEndian.Uint32(b[4:8])
	s.Tick = binary.LittleEndian.Uint32(b[8:12])
	return s, true
}
