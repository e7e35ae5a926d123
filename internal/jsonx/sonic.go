// Package jsonx provides high-performance JSON serialization using Sonic.
// It exposes the slice of the encoding/json API this service actually
// reaches: Marshal/Unmarshal, string-returning marshal for property blobs,
// and a stream decoder for HTTP bodies.
package jsonx

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

// Marshal returns the JSON encoding of v using Sonic.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result
// in the value pointed to by v using Sonic.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string.
// This avoids an allocation when converting []byte to string.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		reader: r,
	}
}

// Decoder wraps Sonic's stream decoding
type Decoder struct {
	reader io.Reader
	buf    *bytes.Buffer
}

// Decode reads the next JSON-encoded value from its
// input and stores it in the value pointed to by v.
func (d *Decoder) Decode(v interface{}) error {
	if d.buf == nil {
		d.buf = &bytes.Buffer{}
	}
	_, err := io.Copy(d.buf, d.reader)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(d.buf.Bytes(), v)
}
