package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// binaryHeaderLen is the size of the length prefix on binary frames.
const binaryHeaderLen = 4

// Encode marshals v for the wire. In text mode the payload is plain JSON;
// in binary mode the JSON body is wrapped in a 4-byte big-endian length
// prefix.
func Encode(v any, binaryMode bool) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if !binaryMode {
		return body, nil
	}

	buf := make([]byte, binaryHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[binaryHeaderLen:], body)
	return buf, nil
}

// Decode unpacks a frame into v, validating the length prefix in binary
// mode.
func Decode(data []byte, binaryMode bool, v any) error {
	body := data
	if binaryMode {
		if len(data) < binaryHeaderLen {
			return fmt.Errorf("binary frame too short: %d bytes", len(data))
		}
		want := binary.BigEndian.Uint32(data)
		body = data[binaryHeaderLen:]
		if uint32(len(body)) != want {
			return fmt.Errorf("binary frame length mismatch: header %d, body %d", want, len(body))
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// DecodeRequest parses an inbound client frame.
func DecodeRequest(data []byte, binaryMode bool) (*Request, error) {
	var req Request
	if err := Decode(data, binaryMode, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, fmt.Errorf("frame missing method")
	}
	return &req, nil
}
