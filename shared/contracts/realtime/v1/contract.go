// Package v1 defines the chat relay wire protocol v1.
//
// Every frame is one JSON object whose "type" field selects the variant.
// This package is dependency-light so clients can share it with the server.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Subprotocol is the WebSocket subprotocol advertised by the relay.
const Subprotocol = "chatrelay.v1"

// Client -> server types.
const (
	TypeSendChat    = "send_chat"
	TypeAddReaction = "add_reaction"
	TypePing        = "ping"
)

// Server -> client types.
const (
	TypeConnected        = "connected"
	TypeChatMessage      = "chat_message"
	TypeReaction         = "reaction"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceDelta    = "presence_delta"
	TypeError            = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeBadJSON      = "bad_json"
	CodeBadMessage   = "bad_message"
	CodeUnsupported  = "unsupported"
	CodeRateLimited  = "rate_limited"
	CodeAuthFailed   = "auth_failed"
	CodeSlowConsumer = "slow_consumer"
)

// Field limits.
const (
	MaxTextChars  = 4000
	MaxNonceBytes = 128
	MaxEmojiBytes = 64
	MaxIDBytes    = 128
)

// ErrMalformed is wrapped by every decode/validation failure.
var ErrMalformed = errors.New("malformed message")

// ClientMessage is the decoded inbound variant set. Exactly one of the
// variant pointers is set, matching Type.
type ClientMessage struct {
	Type string

	SendChat    *SendChat
	AddReaction *AddReaction
	Ping        *Ping
}

// SendChat posts a chat message into the room.
type SendChat struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	ClientNonce string `json:"client_nonce"`
}

// AddReaction reacts to a previously delivered chat message.
type AddReaction struct {
	Type            string `json:"type"`
	TargetMessageID string `json:"target_message_id"`
	Emoji           string `json:"emoji"`
	ClientNonce     string `json:"client_nonce,omitempty"`
}

// Ping keeps the transport alive; it is never broadcast.
type Ping struct {
	Type        string `json:"type"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

// DecodeClientMessage parses and validates one inbound frame.
// All failures wrap ErrMalformed.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ClientMessage{}, &DecodeError{Code: CodeBadJSON, Detail: "invalid JSON"}
	}

	switch head.Type {
	case TypeSendChat:
		var m SendChat
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, &DecodeError{Code: CodeBadJSON, Detail: "invalid JSON"}
		}
		if err := m.validate(); err != nil {
			return ClientMessage{}, err
		}
		m.Text = strings.TrimSpace(m.Text)
		return ClientMessage{Type: head.Type, SendChat: &m}, nil

	case TypeAddReaction:
		var m AddReaction
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, &DecodeError{Code: CodeBadJSON, Detail: "invalid JSON"}
		}
		if err := m.validate(); err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Type: head.Type, AddReaction: &m}, nil

	case TypePing:
		var m Ping
		if err := json.Unmarshal(raw, &m); err != nil {
			return ClientMessage{}, &DecodeError{Code: CodeBadJSON, Detail: "invalid JSON"}
		}
		if len(m.ClientNonce) > MaxNonceBytes {
			return ClientMessage{}, badMessage("client_nonce too long")
		}
		return ClientMessage{Type: head.Type, Ping: &m}, nil

	case "":
		return ClientMessage{}, badMessage("missing field: type")

	default:
		return ClientMessage{}, &DecodeError{Code: CodeUnsupported, Detail: fmt.Sprintf("unsupported type: %q", head.Type)}
	}
}

func (m SendChat) validate() error {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return badMessage("empty text")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return badMessage(fmt.Sprintf("text too long: max=%d chars", MaxTextChars))
	}
	if strings.TrimSpace(m.ClientNonce) == "" {
		return badMessage("missing field: client_nonce")
	}
	if len(m.ClientNonce) > MaxNonceBytes {
		return badMessage("client_nonce too long")
	}
	return nil
}

func (m AddReaction) validate() error {
	if strings.TrimSpace(m.TargetMessageID) == "" {
		return badMessage("missing field: target_message_id")
	}
	if len(m.TargetMessageID) > MaxIDBytes {
		return badMessage("target_message_id too long")
	}
	if strings.TrimSpace(m.Emoji) == "" {
		return badMessage("missing field: emoji")
	}
	if len(m.Emoji) > MaxEmojiBytes {
		return badMessage("emoji too long")
	}
	if len(m.ClientNonce) > MaxNonceBytes {
		return badMessage("client_nonce too long")
	}
	return nil
}

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Code   string
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

func badMessage(detail string) error {
	return &DecodeError{Code: CodeBadMessage, Detail: detail}
}

// ---- server messages ----

// ServerMessage is any outbound frame. Each payload struct carries its own
// Type field so it serializes as a flat, self-describing object.
type ServerMessage interface {
	MessageType() string
}

// Connected is the first frame on every admitted connection.
type Connected struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// ChatMessage is broadcast for every accepted SendChat.
type ChatMessage struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	ClientNonce string    `json:"client_nonce,omitempty"`
}

// Reaction is broadcast for every accepted AddReaction.
type Reaction struct {
	Type            string `json:"type"`
	TargetMessageID string `json:"target_message_id"`
	Emoji           string `json:"emoji"`
	UserID          string `json:"user_id"`
}

// PresenceEntry is one user in a presence snapshot.
type PresenceEntry struct {
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	ConnectionCount int       `json:"connection_count"`
}

// PresenceSnapshot lists everyone present at admission time.
type PresenceSnapshot struct {
	Type    string          `json:"type"`
	Entries []PresenceEntry `json:"entries"`
}

// PresenceDelta announces a user's first join or last leave.
type PresenceDelta struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Joined bool   `json:"joined"`
}

// ErrorPayload is a non-fatal error addressed to one connection.
type ErrorPayload struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (Connected) MessageType() string        { return TypeConnected }
func (ChatMessage) MessageType() string      { return TypeChatMessage }
func (Reaction) MessageType() string         { return TypeReaction }
func (PresenceSnapshot) MessageType() string { return TypePresenceSnapshot }
func (PresenceDelta) MessageType() string    { return TypePresenceDelta }
func (ErrorPayload) MessageType() string     { return TypeError }

// Encode serializes a server message, filling in its type discriminant.
func Encode(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Connected:
		v.Type = TypeConnected
		return json.Marshal(v)
	case ChatMessage:
		v.Type = TypeChatMessage
		return json.Marshal(v)
	case Reaction:
		v.Type = TypeReaction
		return json.Marshal(v)
	case PresenceSnapshot:
		v.Type = TypePresenceSnapshot
		if v.Entries == nil {
			v.Entries = []PresenceEntry{}
		}
		return json.Marshal(v)
	case PresenceDelta:
		v.Type = TypePresenceDelta
		return json.Marshal(v)
	case ErrorPayload:
		v.Type = TypeError
		return json.Marshal(v)
	case nil:
		return nil, errors.New("nil server message")
	default:
		return nil, fmt.Errorf("unknown server message: %T", m)
	}
}
