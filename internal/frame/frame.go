// Package frame models the panel's length-delimited JSON frames and the
// CRC-16 trailer every frame carries.
package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sender is the station name stamped on every outbound frame.
const Sender = "HomeAssistant"

// crcKey marks the checksum boundary: the CRC covers every byte of the
// serialized frame up to and including the opening quote of the CRC value.
const crcKey = `"CRC_16":"`

// Frame is one message on the panel websocket. Field order matters: the
// checksum is computed over the serialized text, so frames must always
// serialize with CRC_16 last.
type Frame struct {
	Sender      string          `json:"SENDER"`
	Receiver    string          `json:"RECEIVER"`
	Cmd         string          `json:"CMD"`
	ID          string          `json:"ID"`
	PayloadType string          `json:"PAYLOAD_TYPE"`
	Payload     json.RawMessage `json:"PAYLOAD"`
	Timestamp   string          `json:"TIMESTAMP"`
	CRC         string          `json:"CRC_16"`
}

// New builds an outbound frame. payload may be any JSON-marshalable value.
func New(cmd, id, payloadType string, payload any, unixTS int64) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Frame{
		Sender:      Sender,
		Cmd:         cmd,
		ID:          id,
		PayloadType: payloadType,
		Payload:     raw,
		Timestamp:   strconv.FormatInt(unixTS, 10),
	}, nil
}

// Encode serializes the frame with a freshly computed checksum.
func (f *Frame) Encode() ([]byte, error) {
	f.CRC = "0x0000"
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	text := string(data)
	idx := strings.Index(text, crcKey)
	if idx < 0 {
		return nil, fmt.Errorf("frame missing CRC_16 field")
	}
	sum := Checksum(text[:idx+len(crcKey)])
	return []byte(strings.Replace(text, crcKey+"0x0000", crcKey+sum, 1)), nil
}

// Decode parses an inbound frame. It does not reject checksum mismatches;
// use Verify when the caller cares.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Cmd == "" {
		return nil, fmt.Errorf("malformed frame: missing CMD")
	}
	return &f, nil
}

// Verify recomputes the checksum of the raw frame text and compares it with
// the trailer. Comparison is case-insensitive since firmware varies in hex
// casing.
func Verify(data []byte) bool {
	text := string(data)
	idx := strings.Index(text, crcKey)
	if idx < 0 {
		return false
	}
	rest := text[idx+len(crcKey):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return false
	}
	want := rest[:end]
	got := Checksum(text[:idx+len(crcKey)])
	return strings.EqualFold(want, got)
}

// PayloadMap decodes the payload object into a generic map. Returns an empty
// map for absent or non-object payloads.
func (f *Frame) PayloadMap() map[string]any {
	out := map[string]any{}
	if len(f.Payload) == 0 {
		return out
	}
	if err := json.Unmarshal(f.Payload, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Checksum computes the panel's CRC-16 (poly 0x1021, zero init) over the
// given text and formats it the way the panel does.
func Checksum(text string) string {
	var crc uint16
	for i := 0; i < len(text); i++ {
		crc ^= uint16(text[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return fmt.Sprintf("0x%04x", crc)
}
