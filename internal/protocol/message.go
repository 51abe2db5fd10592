// Package protocol holds the JSON vocabulary shared by the presence server and
// its clients. One Message is carried per websocket text frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags a Message.
type Type string

const (
	TypeJoin      Type = "join"
	TypeUpdate    Type = "update"
	TypeHeartbeat Type = "heartbeat"
	TypeShutdown  Type = "shutdown"
)

const (
	// DefaultSiteID is used when a connection does not name its site.
	DefaultSiteID = "default-site"
	// HeartbeatInterval is how often a connected client pings the server.
	HeartbeatInterval = 30 * time.Second
	// DefaultShutdownMessage is shown when the server gives no reason.
	DefaultShutdownMessage = "Server restarting..."
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the tagged union over join, update, heartbeat and shutdown.
// Count and TotalCount are pointers so that a zero count still serializes
// while an absent total is omitted.
type Message struct {
	Type       Type   `json:"type"`
	SiteID     string `json:"siteId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Count      *int   `json:"count,omitempty"`
	TotalCount *int64 `json:"totalCount,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Join declares membership of clientID in siteID.
func Join(siteID, clientID string) Message {
	return Message{Type: TypeJoin, SiteID: siteID, ClientID: clientID}
}

// Update carries the live count of a site and, when known, its total.
func Update(siteID string, count int, total *int64) Message {
	return Message{Type: TypeUpdate, SiteID: siteID, Count: &count, TotalCount: copyTotal(total)}
}

// HeartbeatPing is the client's liveness ping.
func HeartbeatPing(siteID, clientID string, now time.Time) Message {
	return Message{Type: TypeHeartbeat, SiteID: siteID, ClientID: clientID, Timestamp: now.Unix()}
}

// HeartbeatAck is the server's answer to a ping.
func HeartbeatAck(now time.Time, total *int64) Message {
	return Message{Type: TypeHeartbeat, Timestamp: now.Unix(), TotalCount: copyTotal(total)}
}

// Shutdown tells clients the server is going away.
func Shutdown(message string) Message {
	if message == "" {
		message = DefaultShutdownMessage
	}
	return Message{Type: TypeShutdown, Message: message}
}

func copyTotal(total *int64) *int64 {
	if total == nil {
		return nil
	}
	value := *total
	return &value
}

// CountValue returns the live count or zero when absent.
func (m Message) CountValue() int {
	if m.Count == nil {
		return 0
	}
	return *m.Count
}

// Encode serializes the message into a single frame payload.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// MustEncode is Encode for messages built by the constructors above, which
// always marshal.
func (m Message) MustEncode() []byte {
	data, err := m.Encode()
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", m.Type, err))
	}
	return data
}

// Decode parses one frame. Non-JSON payloads and missing or unknown types are
// rejected before they reach the registry.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeJoin, TypeUpdate, TypeHeartbeat, TypeShutdown:
		return msg, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// ValidateClient checks a message received by the server from a client.
func ValidateClient(msg Message) error {
	switch msg.Type {
	case TypeJoin:
		if msg.SiteID == "" || msg.ClientID == "" {
			return fmt.Errorf("%w: join requires siteId and clientId", ErrMalformed)
		}
	case TypeHeartbeat:
		if msg.ClientID == "" {
			return fmt.Errorf("%w: heartbeat requires clientId", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q is not sent by clients", ErrUnknownType, msg.Type)
	}
	return nil
}
