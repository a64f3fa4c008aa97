// Package serializer converts payloads to and from their wire form. Stores
// and transports persist the encoded bytes so payloads survive process
// restarts.
package serializer

import (
	"bytes"
	"encoding/json"
	"io"

	"go.heromessaging.dev/internal/common/apperr"
)

// Serializer encodes and decodes payloads.
type Serializer interface {
	// ContentType identifies the encoding, e.g. "application/json"
	ContentType() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	// Encode writes v to w; Decode reads one value from r
	Encode(w io.Writer, v any) error
	Decode(r io.Reader, v any) error
}

// JSON is the default serializer.
type JSON struct {
	// Indent pretty-prints output when set, for debugging stores
	Indent bool
}

// NewJSON returns a JSON serializer.
func NewJSON() *JSON {
	return &JSON{}
}

func (s *JSON) ContentType() string {
	return "application/json"
}

func (s *JSON) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf, v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; trim it so stored payloads are compact.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (s *JSON) Unmarshal(data []byte, v any) error {
	return s.Decode(bytes.NewReader(data), v)
}

func (s *JSON) Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if s.Indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return apperr.Wrap(apperr.CategoryFatal, "serialize payload", err)
	}
	return nil
}

func (s *JSON) Decode(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return apperr.Wrap(apperr.CategoryFatal, "deserialize payload", err)
	}
	return nil
}
