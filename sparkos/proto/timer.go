package proto

import "encoding/binary"

// TimerCommandSize is the queue item size of an encoded TimerCommand.
const TimerCommandSize = 16

// TimerCommand is a request to the timer service task.
type TimerCommand struct {
	Kind Kind
	// Slot and Gen name the timer: a slot index in the service's table and
	// the generation the slot had when the handle was issued.
	Slot uint16
	Gen  uint16
	// Value is the new period for CmdTimerChangePeriod.
	Value uint32
	// Issued is the tick at which the command was sent.
	Issued uint32
}

// Encode writes the command into buf, which must hold TimerCommandSize bytes.
//
// Layout (little-endian):
//   - u8: kind
//   - u8: reserved
//   - u16: slot
//   - u16: generation
//   - u16: reserved
//   - u32: value
//   - u32: issue tick
func (c TimerCommand) Encode(buf []byte) {
	_ = buf[TimerCommandSize-1]
	buf[0] = byte(c.Kind)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], c.Slot)
	binary.LittleEndian.PutUint16(buf[4:6], c.Gen)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], c.Value)
	binary.LittleEndian.PutUint32(buf[12:16], c.Issued)
}

// TimerCommandPayload encodes c into a new buffer.
func TimerCommandPayload(c TimerCommand) []byte {
	buf := make([]byte, TimerCommandSize)
	c.Encode(buf)
	return buf
}

// DecodeTimerCommand decodes a TimerCommandPayload.
func DecodeTimerCommand(b []byte) (c TimerCommand, ok bool) {
	if len(b) < TimerCommandSize {
		return TimerCommand{}, false
	}
	c.Kind = Kind(b[0])
	if c.Kind < CmdTimerStart || c.Kind > CmdTimerDelete {
		return TimerCommand{}, false
	}
	c.Slot = binary.LittleEndian.Uint16(b[2:4])
	c.Gen = binary.LittleEndian.Uint16(b[4:6])
	c.Value = binary.LittleEndian.Uint32(b[8:12])
	c.Issued = binary.LittleEndian.Uint32(b[12:16])
	return c, true
}
