package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned by Decode and part decoding when a payload
// carries a kind tag this version of the vocabulary does not recognize.
// Consumers treat it as non-fatal: log the payload and drop it.
var ErrUnknownKind = errors.New("unknown payload kind")

type (
	// envelope is the serialized form of a stream event. Kind selects the
	// concrete type; Payload carries its JSON body and is omitted for
	// body-less events (End, KeepAlive).
	envelope struct {
		Kind    EventType       `json:"kind"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// partEnvelope is the serialized form of a message part.
	partEnvelope struct {
		Kind    PartKind        `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
)

// Encode serializes a stream event into the journal/wire envelope format.
// All six event kinds encode; callers decide which kinds are durable (the
// writer only appends Delta, Message, Error and End payloads).
func Encode(ev StreamEvent) ([]byte, error) {
	env := envelope{Kind: ev.EventType()}
	switch ev.(type) {
	case End, KeepAlive:
		// no body
	default:
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", ev.EventType(), err)
	}
	return b, nil
}

// Decode deserializes an envelope produced by Encode back into a typed
// stream event. This is the single place journal payloads are interpreted:
// everything downstream switches over the returned concrete type. Unknown
// kinds return ErrUnknownKind (wrapped) so callers can log and drop.
func Decode(b []byte) (StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case TypeDelta:
		var ev Delta
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", TypeDelta, err)
		}
		return ev, nil
	case TypeMessage:
		var ev DurableMessage
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", TypeMessage, err)
		}
		return ev, nil
	case TypeError:
		var ev Error
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", TypeError, err)
		}
		return ev, nil
	case TypeEnd:
		return End{}, nil
	case TypeKeepAlive:
		return KeepAlive{}, nil
	case TypeConnected:
		var ev Connected
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", TypeConnected, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// MarshalJSON serializes the message with each part wrapped in a tagged
// envelope so the union survives the round trip.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s part: %w", p.PartKind(), err)
		}
		parts = append(parts, partEnvelope{Kind: p.PartKind(), Payload: b})
	}
	return json.Marshal(struct {
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}{Role: m.Role, Parts: parts})
}

// UnmarshalJSON reverses MarshalJSON. A part with an unknown kind tag fails
// the whole message with ErrUnknownKind: durable history must decode fully
// or not at all.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parts := make([]Part, 0, len(raw.Parts))
	for _, pe := range raw.Parts {
		p, err := decodePart(pe)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}
	m.Role = raw.Role
	m.Parts = parts
	return nil
}

func decodePart(pe partEnvelope) (Part, error) {
	switch pe.Kind {
	case PartUserPrompt:
		var p UserPromptPart
		if err := json.Unmarshal(pe.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s part: %w", PartUserPrompt, err)
		}
		return p, nil
	case PartText:
		var p TextPart
		if err := json.Unmarshal(pe.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s part: %w", PartText, err)
		}
		return p, nil
	case PartToolCall:
		var p ToolCallPart
		if err := json.Unmarshal(pe.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s part: %w", PartToolCall, err)
		}
		return p, nil
	case PartToolReturn:
		var p ToolReturnPart
		if err := json.Unmarshal(pe.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s part: %w", PartToolReturn, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: part %q", ErrUnknownKind, pe.Kind)
	}
}
