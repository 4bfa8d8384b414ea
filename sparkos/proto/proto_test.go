package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerCommandLayout(t *testing.T) {
	c := TimerCommand{Kind: CmdTimerChangePeriod, Slot: 0x0102, Gen: 0x0304, Value: 0x05060708, Issued: 0x090a0b0c}
	b := TimerCommandPayload(c)
	require.Len(t, b, TimerCommandSize)
	assert.Equal(t, []byte{
		byte(CmdTimerChangePeriod), 0,
		0x02, 0x01,
		0x04, 0x03,
		0, 0,
		0x08, 0x07, 0x06, 0x05,
		0x0c, 0x0b, 0x0a, 0x09,
	}, b)

	got, ok := DecodeTimerCommand(b)
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestDecodeTimerCommandRejectsBadInput(t *testing.T) {
	_, ok := DecodeTimerCommand(make([]byte, TimerCommandSize-1))
	assert.False(t, ok)

	b := TimerCommandPayload(TimerCommand{Kind: CmdTimerStart})
	b[0] = 0
	_, ok = DecodeTimerCommand(b)
	assert.False(t, ok)
	b[0] = byte(CmdTimerDelete + 1)
	_, ok = DecodeTimerCommand(b)
	assert.False(t, ok)
}

func TestSampleAndU32(t *testing.T) {
	s := Sample{Channel: 2, Seq: 7, Value: 1234, Tick: 99}
	got, ok := DecodeSample(SamplePayload(s))
	require.True(t, ok)
	assert.Equal(t, s, got)
	_, ok = DecodeSample(nil)
	assert.False(t, ok)

	v, ok := DecodeU32(U32Payload(0xdeadbeef))
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), v)
	_, ok = DecodeU32([]byte{1})
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timer_change_period", CmdTimerChangePeriod.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestRequestFraming(t *testing.T) {
	b := RequestPayload(3, []byte{9, 8})
	assert.Equal(t, []byte{3, 0, 0, 0, 9, 8}, b)
	client, body, ok := DecodeRequest(b)
	require.True(t, ok)
	assert.Equal(t, uint32(3), client)
	assert.Equal(t, []byte{9, 8}, body)

	_, _, ok = DecodeRequest([]byte{1, 2})
	assert.False(t, ok)
}
