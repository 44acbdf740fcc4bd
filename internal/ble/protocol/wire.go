package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encoding is the transport encoding of notification bytes, undone before
// the payload reaches the Decoder.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding validates an encoding name. An empty name means raw.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case "", EncodingRaw:
		return EncodingRaw, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("protocol: unknown encoding %q", s)
	}
}

// Decode returns the payload text for data received over the wire.
func (e Encoding) Decode(data []byte) ([]byte, error) {
	switch e {
	case "", EncodingRaw:
		return data, nil
	case EncodingBase64:
		text := strings.TrimSpace(string(data))
		out, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			// Some bridges strip the padding.
			if out, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "=")); rerr == nil {
				return out, nil
			}
			return nil, fmt.Errorf("protocol: base64 payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("protocol: unknown encoding %q", string(e))
	}
}
