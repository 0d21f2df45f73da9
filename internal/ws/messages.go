package ws

import "encoding/json"

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "send-message"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON
}

// client -> relay
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
)

// relay -> client
const (
	EventMessage = "message"
	EventError   = "error"
	EventJoined  = "joined"
	EventLeft    = "left"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeInvalidInput   = "invalid_input"
	CodeTransportError = "transport_error"
	CodeInternalError  = "internal_error"
)

// RoomRequest is the body of join-room / leave-room. A bare JSON string is
// accepted as the room id as well.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *RoomRequest) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.RoomID)
	}
	type plain RoomRequest
	return json.Unmarshal(b, (*plain)(r))
}

// RoomAck is the body of joined / left.
type RoomAck struct {
	RoomID string `json:"roomId"`
}

// ErrorBody is returned for failures.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
