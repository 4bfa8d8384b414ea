package proto

import "encoding/binary"

// RequestHeaderSize is the fixed prefix of a processor request item.
const RequestHeaderSize = 4

// NoReply is the client id of a request that expects no reply.
const NoReply uint32 = 0

// RequestPayload frames body for a processor queue of RequestHeaderSize +
// len(body) byte items.
//
// Layout (little-endian):
//   - u32: client id to reply to, or NoReply
//   - body
func RequestPayload(client uint32, body []byte) []byte {
	buf := make([]byte, RequestHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], client)
	copy(buf[RequestHeaderSize:], body)
	return buf
}

// DecodeRequest splits a RequestPayload. body aliases b.
func DecodeRequest(b []byte) (client uint32, body []byte, ok bool) {
	if len(b) < RequestHeaderSize {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[RequestHeaderSize:], true
}
