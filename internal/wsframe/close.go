package wsframe

import "encoding/binary"

// ClosePayload builds a close frame body. Reasons longer than the control
// frame limit are truncated.
func ClosePayload(code uint16, reason string) []byte {
	if limit := MaxControlPayloadLen - 2; len(reason) > limit {
		reason = reason[:limit]
	}
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	return append(p, reason...)
}

// ParseClosePayload splits a close frame body into status code and reason.
// An empty body yields CloseNoStatus.
func ParseClosePayload(p []byte) (uint16, string) {
	if len(p) < 2 {
		return CloseNoStatus, ""
	}
	return binary.BigEndian.Uint16(p), string(p[2:])
}
