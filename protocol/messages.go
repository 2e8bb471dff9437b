package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every decoding failure. Callers report it to the
// client as a client error.
var ErrMalformed = errors.New("malformed request")

// Action names an inbound operation.
type Action string

const (
	ActionRegister  Action = "register"
	ActionBroadcast Action = "broadcast"
	ActionRequest   Action = "request"
)

// Envelope is the wire shape of every inbound message.
type Envelope struct {
	Action  Action          `json:"action" jsonschema:"enum=register,enum=broadcast,enum=request,description=Operation to perform"`
	Session string          `json:"session,omitempty" jsonschema:"description=Session id. Optional for register; required otherwise"`
	Data    json.RawMessage `json:"data,omitempty" jsonschema:"description=Application payload relayed verbatim; required for broadcast"`
}

// Request is a decoded inbound message. The set of implementations is
// closed: *Register, *Broadcast and *SyncRequest.
type Request interface {
	Action() Action
	isRequest()
}

// Register joins the caller to a session, creating one when Session is empty.
type Register struct {
	Session string
}

// Broadcast relays Data to every other member of Session.
type Broadcast struct {
	Session string
	Data    json.RawMessage
}

// SyncRequest asks one other member of Session to publish its state.
type SyncRequest struct {
	Session string
}

func (*Register) Action() Action    { return ActionRegister }
func (*Broadcast) Action() Action   { return ActionBroadcast }
func (*SyncRequest) Action() Action { return ActionRequest }

func (*Register) isRequest()    {}
func (*Broadcast) isRequest()   {}
func (*SyncRequest) isRequest() {}

// Decode parses and validates an inbound message.
func Decode(data []byte) (Request, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return env.Request()
}

// Request validates the envelope and converts it to its typed form.
func (e *Envelope) Request() (Request, error) {
	switch e.Action {
	case ActionRegister:
		return &Register{Session: e.Session}, nil
	case ActionBroadcast:
		if e.Session == "" {
			return nil, fmt.Errorf("%w: broadcast requires a session", ErrMalformed)
		}
		if isAbsent(e.Data) {
			return nil, fmt.Errorf("%w: broadcast requires data", ErrMalformed)
		}
		return &Broadcast{Session: e.Session, Data: e.Data}, nil
	case ActionRequest:
		if e.Session == "" {
			return nil, fmt.Errorf("%w: request requires a session", ErrMalformed)
		}
		return &SyncRequest{Session: e.Session}, nil
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, e.Action)
	}
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Outbound message types.
const (
	TypeRegistrationSuccess = "registration-success"
	TypeRequest             = "request"
	TypeError               = "error"
)

// Registered acknowledges a register action.
type Registered struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

// NewRegistered builds the acknowledgment for sessionID.
func NewRegistered(sessionID string) *Registered {
	return &Registered{Type: TypeRegistrationSuccess, Session: sessionID}
}

// ErrorReply tells a client why its message was rejected.
type ErrorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorReply wraps err for the client.
func NewErrorReply(err error) *ErrorReply {
	return &ErrorReply{Type: TypeError, Error: err.Error()}
}

var syncRequestMessage = []byte(`{"type":"request"}`)

// SyncRequestMessage returns the notification sent to the peer chosen to
// answer a sync request. The returned slice is a fresh copy.
func SyncRequestMessage() []byte {
	return bytes.Clone(syncRequestMessage)
}
