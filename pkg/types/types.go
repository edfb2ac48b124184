package types

import "encoding/json"

// Server-to-client event names. Clients subscribe to these by name, so the
// strings are part of the wire contract and must not change.
const (
	EventOnlineUsers = "getOnlineUsers"
	EventNewMessage  = "newMessage"
)

// Event is the envelope for every frame pushed to a client.
//
// Data is kept as raw JSON so relayed message payloads pass through the
// server byte-for-byte without being interpreted.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEvent marshals data into an Event envelope.
func NewEvent(name string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Event: name, Data: raw}, nil
}

// DeliverRequest is the body of POST /relay/deliver, sent by the message
// service after it has durably stored a message. Message is opaque to the
// relay and forwarded verbatim.
type DeliverRequest struct {
	ReceiverID string          `json:"receiverId"`
	Message    json.RawMessage `json:"message"`
}

// DeliverResponse reports the outcome of a single delivery attempt.
// Delivered=false means the receiver had no open connection; that is a
// normal result, not an error.
type DeliverResponse struct {
	Delivered bool `json:"delivered"`
}
