// Package feishu – event.go decodes inbound webhook payloads: the one-time
// url_verification handshake and im.message.receive_v1 events.
package feishu

import (
	"encoding/json"
	"fmt"
)

// EventTypeMessageReceive is the only event type the bot consumes.
const EventTypeMessageReceive = "im.message.receive_v1"

// EventPayload is the outer webhook payload. Challenge is set only for the
// url_verification handshake; Header and Event only for schema-2.0 events.
type EventPayload struct {
	Challenge string       `json:"challenge"`
	Type      string       `json:"type"`
	Token     string       `json:"token"`
	Schema    string       `json:"schema"`
	Header    EventHeader  `json:"header"`
	Event     MessageEvent `json:"event"`
}

// EventHeader identifies and authenticates an event.
type EventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

// IsChallenge reports whether the payload is the url_verification handshake.
func (p *EventPayload) IsChallenge() bool {
	return p.Type == "url_verification"
}

// VerifyToken checks the event's verification token. An empty expected token
// disables the check.
func (p *EventPayload) VerifyToken(expected string) bool {
	if expected == "" {
		return true
	}
	if p.IsChallenge() {
		return p.Token == expected
	}
	return p.Header.Token == expected
}

// MessageEvent carries the decoded fields of an im.message.receive_v1 event.
type MessageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

// ParseEvent decodes a webhook request body.
func ParseEvent(data []byte) (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}
	return &p, nil
}

// TextContent is the content JSON of a text message.
type TextContent struct {
	Text string `json:"text"`
}

// FileContent is the content JSON of a file message.
type FileContent struct {
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

// ParseTextContent decodes a text message's content field.
func ParseTextContent(content string) (string, error) {
	var t TextContent
	if err := json.Unmarshal([]byte(content), &t); err != nil {
		return "", fmt.Errorf("decoding text content: %w", err)
	}
	return t.Text, nil
}

// ParseFileContent decodes a file message's content field.
func ParseFileContent(content string) (*FileContent, error) {
	var f FileContent
	if err := json.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("decoding file content: %w", err)
	}
	return &f, nil
}
