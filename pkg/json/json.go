package json

import (
	stdjson "encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// Canonical is the configuration used for signed payloads: map keys sorted,
// no HTML escaping, numbers decoded as json.Number so their literal text
// survives a decode/encode round trip.
var Canonical = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// Number is the type numbers decode to under Canonical.
type Number = stdjson.Number

// RawMessage is a raw encoded JSON value, embedded verbatim on marshal.
type RawMessage = stdjson.RawMessage

// DecodeObject decodes data as a JSON object, keeping numbers as Number.
func DecodeObject(data []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := Canonical.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errNotObject
	}
	return out, nil
}

var errNotObject = errors.New("json: value is not an object")
