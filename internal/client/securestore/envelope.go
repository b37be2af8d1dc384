package securestore

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	SchemeAESGCM  = "aes-gcm"
	SchemeEncoded = "encoded"
)

// Envelope is the at-rest form of a stored value. Timestamps are Unix
// milliseconds; ExpiresAt is zero when the value never expires.
type Envelope struct {
	Scheme     string `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
	IV         []byte `cbor:"3,keyasint,omitempty"`
	Hash       []byte `cbor:"4,keyasint"`
	CreatedAt  int64  `cbor:"5,keyasint"`
	ExpiresAt  int64  `cbor:"6,keyasint,omitempty"`
}

func (e *Envelope) expired(nowMillis int64) bool {
	return e.ExpiresAt != 0 && nowMillis >= e.ExpiresAt
}

func encodeEnvelope(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

func decodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// encodeInsecure is the reversible encoding used by FallbackEncode.
func encodeInsecure(plaintext []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
	base64.StdEncoding.Encode(out, plaintext)
	return out
}

func decodeInsecure(encoded []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(out, encoded)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
