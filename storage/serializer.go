package storage

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Serializer defines the interface for record serialization.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrSerializationFailed wraps encode failures.
var ErrSerializationFailed = errors.New("serialization failed")

// ErrDeserializationFailed wraps decode failures.
var ErrDeserializationFailed = errors.New("deserialization failed")

// JSONSerializer implements Serializer using JSON.
type JSONSerializer struct{}

// Marshal serializes a value to JSON.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(ErrSerializationFailed, err.Error())
	}
	return data, nil
}

// Unmarshal deserializes a value from JSON.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrDeserializationFailed, err.Error())
	}
	return nil
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// GetSerializer returns a serializer for the given format.
func GetSerializer(format string) (Serializer, error) {
	switch format {
	case "", "json":
		return NewJSONSerializer(), nil
	default:
		return nil, errors.Errorf("unsupported serialization format: %s", format)
	}
}
