package wire

import "encoding/json"

// Client request actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionStatus    = "subscription_status"
	TypeTick                  = "tick"
	TypeError                 = "error"
)

// Request is a client → server control message.
type Request struct {
	Action string   `json:"action"`
	Tokens []uint32 `json:"tokens"`
}

// ConnectionEstablished is sent once after a client connects.
type ConnectionEstablished struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	ConsumerID string `json:"consumer_id"`
}

// NewConnectionEstablished builds the connect acknowledgment.
func NewConnectionEstablished(consumerID, message string) ConnectionEstablished {
	return ConnectionEstablished{
		Type:       TypeConnectionEstablished,
		Message:    message,
		ConsumerID: consumerID,
	}
}

// SubscriptionStatus acknowledges a subscribe or unsubscribe request.
type SubscriptionStatus struct {
	Type    string   `json:"type"`
	Success bool     `json:"success"`
	Tokens  []uint32 `json:"tokens"`
	Message string   `json:"message"`
}

// NewSubscriptionStatus builds a subscription acknowledgment echoing the
// requested token list.
func NewSubscriptionStatus(success bool, tokens []uint32, message string) SubscriptionStatus {
	if tokens == nil {
		tokens = []uint32{}
	}
	return SubscriptionStatus{
		Type:    TypeSubscriptionStatus,
		Success: success,
		Tokens:  tokens,
		Message: message,
	}
}

// ErrorMessage reports a per-message failure to the client without closing
// the connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error message.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// TickEnvelope wraps an already-serialized tick payload for delivery to a
// client.
type TickEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewTickEnvelope wraps a broker payload. The payload is embedded verbatim,
// not re-serialized.
func NewTickEnvelope(payload []byte) TickEnvelope {
	return TickEnvelope{Type: TypeTick, Data: json.RawMessage(payload)}
}
