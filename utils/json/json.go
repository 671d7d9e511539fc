// Package json allows swapping the JSON serializer used for gateway frames
// and HTTP bodies, as well as extra types needed on top of it.
package json

import (
	"encoding/json"
	"io"
)

// Driver is the interface for a JSON serializer implementation.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error

	DecodeStream(r io.Reader, v interface{}) error
	EncodeStream(w io.Writer, v interface{}) error
}

// DefaultDriver implements Driver on top of encoding/json.
type DefaultDriver struct{}

func (d DefaultDriver) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (d DefaultDriver) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (d DefaultDriver) DecodeStream(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func (d DefaultDriver) EncodeStream(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// Default is the JSON driver used by the package-level helpers.
var Default Driver = DefaultDriver{}

// Marshal uses the default driver.
func Marshal(v interface{}) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal uses the default driver.
func Unmarshal(data []byte, v interface{}) error {
	return Default.Unmarshal(data, v)
}

// DecodeStream uses the default driver.
func DecodeStream(r io.Reader, v interface{}) error {
	return Default.DecodeStream(r, v)
}

// EncodeStream uses the default driver.
func EncodeStream(w io.Writer, v interface{}) error {
	return Default.EncodeStream(w, v)
}
