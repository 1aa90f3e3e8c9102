package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Endpoint frame types.
const (
	TypeStart     = "START"
	TypeInput     = "INPUT"
	TypeTerminate = "TERMINATE"
)

// ClientFrame is a client->endpoint frame, a tagged union on Type.
// Script is set only for START, Input only for INPUT.
type ClientFrame struct {
	Type   string `json:"type"`
	Script string `json:"script,omitempty"`
	Input  string `json:"input,omitempty"`
}

// EndpointFrame is an endpoint->client frame. Any subset of the fields may be
// set; Output and Error may repeat across frames, Closed is terminal and sent
// at most once.
type EndpointFrame struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// Empty reports whether the frame carries nothing. Empty frames are legal on
// the wire and must cause no state change.
func (f EndpointFrame) Empty() bool {
	return f.Output == "" && f.Error == "" && !f.Closed
}

func StartFrame(script string) ClientFrame {
	return ClientFrame{Type: TypeStart, Script: script}
}

func InputFrame(input string) ClientFrame {
	return ClientFrame{Type: TypeInput, Input: input}
}

func TerminateFrame() ClientFrame {
	return ClientFrame{Type: TypeTerminate}
}

// EncodeClient serializes a client frame. The frame must be well-formed: a
// known type with the fields that type requires.
func EncodeClient(f ClientFrame) ([]byte, error) {
	switch f.Type {
	case TypeStart:
		if !ValidScriptName(f.Script) {
			return nil, fmt.Errorf("invalid script name %q", f.Script)
		}
	case TypeInput:
		if f.Input == "" {
			return nil, fmt.Errorf("INPUT frame with empty input")
		}
	case TypeTerminate:
	default:
		return nil, fmt.Errorf("unknown client frame type %q", f.Type)
	}
	return json.Marshal(f)
}

// DecodeClient parses and validates a client frame received by the endpoint.
func DecodeClient(b []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("invalid JSON: %w", err)
	}
	switch f.Type {
	case TypeStart:
		if !ValidScriptName(f.Script) {
			return ClientFrame{}, fmt.Errorf("invalid script name %q", f.Script)
		}
	case TypeInput:
		if f.Input == "" {
			return ClientFrame{}, fmt.Errorf("INPUT frame with empty input")
		}
	case TypeTerminate:
	case "":
		return ClientFrame{}, fmt.Errorf("missing 'type' field")
	default:
		return ClientFrame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// EncodeEndpoint serializes an endpoint frame.
func EncodeEndpoint(f EndpointFrame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeEndpoint parses an endpoint frame received by the client. Unknown
// fields are ignored; an object with none of the known fields decodes to an
// empty frame.
func DecodeEndpoint(b []byte) (EndpointFrame, error) {
	var f EndpointFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return EndpointFrame{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return f, nil
}
