// Package wechat implements the WeChat public-account front-end: webhook
// signature verification and the blocking text chat exchange.
package wechat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// fallbackReply is returned to the subscriber when the upstream call fails.
// The public account must always answer inside the platform's reply window.
const fallbackReply = "调用LLM平台报错"

// Completer is the blocking completion call used for public-account replies.
// Satisfied by llm.Client.
type Completer interface {
	CompleteQuery(ctx context.Context, user, query string) (string, error)
}

// InboundMessage is the XML payload WeChat posts for a subscriber message.
type InboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
}

// replyMessage is the XML reply; text fields go out as CDATA.
type replyMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

type cdata string

func (c cdata) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(struct {
		Value string `xml:",cdata"`
	}{string(c)}, start)
}

// Handler serves the public-account webhook exchanges.
type Handler struct {
	token     string
	completer Completer
	logger    *slog.Logger
}

// NewHandler creates a handler. token is the shared secret configured in the
// public-account console.
func NewHandler(token string, completer Completer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		token:     token,
		completer: completer,
		logger:    logger.With("component", "wechat"),
	}
}

// Verify checks a webhook signature: sha1 over the sorted token, timestamp
// and nonce must equal the signature the platform sent.
func (h *Handler) Verify(signature, timestamp, nonce string) bool {
	parts := []string{h.token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:]) == signature
}

// ParseMessage decodes an inbound XML payload.
func ParseMessage(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := xml.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding wechat message: %w", err)
	}
	return &msg, nil
}

// Chat answers one subscriber message and returns the XML reply bytes. Any
// upstream failure is mapped to the fixed fallback reply so the subscriber
// always gets an answer.
func (h *Handler) Chat(ctx context.Context, msg *InboundMessage) ([]byte, error) {
	var content string
	switch msg.MsgType {
	case "text":
		answer, err := h.completer.CompleteQuery(ctx, msg.FromUserName, msg.Content)
		if err != nil {
			h.logger.Error("completion failed", "user", msg.FromUserName, "error", err)
			content = fallbackReply
		} else {
			content = answer
		}
	default:
		h.logger.Info("unsupported message type", "type", msg.MsgType)
		content = fallbackReply
	}

	reply := replyMessage{
		ToUserName:   cdata(msg.FromUserName),
		FromUserName: cdata(msg.ToUserName),
		CreateTime:   time.Now().Unix(),
		MsgType:      cdata("text"),
		Content:      cdata(content),
	}
	out, err := xml.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encoding wechat reply: %w", err)
	}
	return out, nil
}
