package bridge

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nmxmxh/chatrelay/internal/event"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/json"
)

// Envelope fields. Every other field is event payload.
const (
	fieldNonce     = "nonce"
	fieldEventTime = "eventTime"
	fieldSignature = "signature"
	fieldEventType = "eventType"
)

// Envelope is one backend message. Payload fields are siblings of the
// envelope fields on the wire.
type Envelope struct {
	Nonce     string
	EventTime float64
	Signature string
	EventType string
	// Fields is the whole decoded object, numbers kept as literals, as
	// signed by the backend.
	Fields map[string]interface{}
}

// Parse decodes a raw envelope. Any structural problem returns an error
// wrapping ErrMalformedInput.
func Parse(raw []byte) (Envelope, error) {
	fields, err := json.DecodeObject(raw)
	if err != nil {
		return Envelope{}, errors.Wrap(errors.ErrMalformedInput, err.Error())
	}
	env := Envelope{Fields: fields}

	var ok bool
	if env.EventType, ok = fields[fieldEventType].(string); !ok || env.EventType == "" {
		return Envelope{}, errors.Wrap(errors.ErrMalformedInput, "eventType must be a non-empty string")
	}
	if env.Signature, ok = fields[fieldSignature].(string); !ok {
		return Envelope{}, errors.Wrap(errors.ErrMalformedInput, "signature must be a string")
	}
	switch n := fields[fieldNonce].(type) {
	case string:
		env.Nonce = n
	case json.Number:
		env.Nonce = n.String()
	}
	if env.Nonce == "" {
		return Envelope{}, errors.Wrap(errors.ErrMalformedInput, "nonce must be a non-empty string or number")
	}
	if env.EventTime, err = seconds(fields[fieldEventTime]); err != nil {
		return Envelope{}, errors.Wrap(errors.ErrMalformedInput, err.Error())
	}
	return env, nil
}

// Event returns the routed event: the type plus every non-envelope field.
func (e Envelope) Event() (event.Event, error) {
	payload := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		switch k {
		case fieldNonce, fieldEventTime, fieldSignature, fieldEventType:
			continue
		}
		payload[k] = v
	}
	body, err := event.Decode(payload)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Type: e.EventType, Body: body}, nil
}

func seconds(v interface{}) (float64, error) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("eventTime must be a number")
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("eventTime %v is not a number", v)
	}
	return f, nil
}
