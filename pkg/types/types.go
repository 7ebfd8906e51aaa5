package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Event names exchanged over the socket. They match the names the web client
// already listens for, so they are kept verbatim.
const (
	EventUserConnected = "userConnected" // client -> server, identity claim
	EventSendMessage   = "sendMessage"   // client -> server, chat send with ack
	EventUsers         = "users"         // server -> room, presence snapshot
	EventMessage       = "message"       // server -> room, persisted message
	EventError         = "error"         // server -> single connection
	EventAck           = "ack"           // server -> single connection, reply to an ack id
)

// IdentifyErrorText is the error event payload sent when an identify claim is
// rejected. The web client displays it as is.
const IdentifyErrorText = "Invalid user data"

// Acknowledgment statuses
const (
	AckStatusSuccess = "success"
	AckStatusError   = "error"
)

// Phase is the lifecycle state of a single transport connection.
// ARCHITECTURAL DISCOVERY: Phase is explicit per-connection state so lifecycle
// rules can be asserted without a live socket
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseJoinedRoom
	PhaseIdentified
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseJoinedRoom:
		return "joined_room"
	case PhaseIdentified:
		return "identified"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Member is a presence entry owned by the room registry.
type Member struct {
	UserID       string `json:"_id"`
	DisplayName  string `json:"username"`
	ConnectionID string `json:"socketId"`
}

// Identity is the identify payload relayed by the client from the auth collaborator.
// Both "_id" and "id" are accepted; "_id" wins when both are present.
type Identity struct {
	ID       FlexibleID `json:"_id" validate:"required,max=128"`
	Username string     `json:"username" validate:"max=100"`
}

// UnmarshalJSON accepts {"_id": ...} as well as {"id": ...}.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw struct {
		UnderscoreID FlexibleID `json:"_id"`
		ID           FlexibleID `json:"id"`
		Username     string     `json:"username"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.ID = raw.UnderscoreID
	if i.ID == "" {
		i.ID = raw.ID
	}
	i.Username = raw.Username
	return nil
}

// SendRequest is the sendMessage payload as produced by the client.
type SendRequest struct {
	Content     string     `json:"content" validate:"required"`
	Sender      FlexibleID `json:"sender"`
	SenderName  string     `json:"senderName" validate:"max=100"`
	Subcategory string     `json:"subcategory" validate:"max=100"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// Message is a persisted chat message. Immutable once created.
type Message struct {
	ID         string    `json:"_id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender"`
	SenderName string    `json:"senderName"`
	Room       string    `json:"subcategory"`
	Timestamp  time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Sender is the pipeline's view of the connection a send request arrived on.
type Sender struct {
	ConnectionID string
	Room         string
	UserID       string
	DisplayName  string
	Identified   bool
}

// Ack is the acknowledgment delivered back to a sendMessage caller.
type Ack struct {
	Status  string   `json:"status"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// SuccessAck builds a success acknowledgment for a persisted message.
func SuccessAck(message *Message) Ack {
	return Ack{Status: AckStatusSuccess, Message: message}
}

// AckFunc delivers an acknowledgment to the connection that asked for it.
type AckFunc func(Ack)

// ErrorAck builds an error acknowledgment.
func ErrorAck(err error) Ack {
	return Ack{Status: AckStatusError, Error: err.Error()}
}

// Envelope is the frame format in both directions.
// FUNCTIONAL DISCOVERY: Ack carries the client correlation id so replies can be
// matched to the request that produced them
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// OutboundEnvelope is the server-side frame with a typed payload.
type OutboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Ack   string      `json:"ack,omitempty"`
}

// FlexibleID is an identifier that may arrive as a JSON string or number.
// Identifiers are always compared as strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*f = FlexibleID(num.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }
