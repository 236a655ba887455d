// Package llm – extractor.go normalizes vendor-specific payload shapes into
// plain text. Each backend dialect implements the same two operations: pull
// the complete answer out of a blocking JSON body, and pull one text delta
// out of a single event-stream payload. Everything else about response
// handling is shared.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extractor converts one backend's payloads into text. Implementations may
// carry per-stream state (see fastgptExtractor), so a fresh instance is
// created for every request.
type Extractor interface {
	// Answer extracts the complete answer text from a blocking JSON body.
	Answer(body []byte) (string, error)

	// Delta extracts the text delta from one SSE data payload. An empty
	// string with nil error means the event carried no visible content.
	Delta(payload []byte) (string, error)
}

// NewExtractor returns the extractor for a provider dialect. Unknown
// providers fall back to the OpenAI-compatible shape, which is the de facto
// default for self-hosted backends.
func NewExtractor(provider string) Extractor {
	switch strings.ToLower(provider) {
	case "dify":
		return &difyExtractor{}
	case "fastgpt":
		return &fastgptExtractor{}
	default:
		return &openaiExtractor{}
	}
}

// ---------- OpenAI-compatible ----------

// openaiExtractor reads choices[0].message.content (blocking) and
// choices[0].delta.content (streaming). Content may be a plain string or a
// list of typed parts; only the first text part is used in the latter case.
type openaiExtractor struct{}

func (openaiExtractor) Answer(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &MalformedPayloadError{Raw: string(body), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &MalformedPayloadError{Raw: string(body), Err: fmt.Errorf("no choices in response")}
	}
	return decodeContent(resp.Choices[0].Message.Content, string(body))
}

func (openaiExtractor) Delta(payload []byte) (string, error) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", &MalformedPayloadError{Raw: string(payload), Err: err}
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// decodeContent handles the two content encodings: a JSON string, or an
// array of typed parts [{"type":"text","text":{"content":"..."}}].
func decodeContent(raw json.RawMessage, body string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text struct {
			Content string `json:"content"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", &MalformedPayloadError{Raw: body, Err: err}
	}
	for _, p := range parts {
		if p.Type == "text" {
			return p.Text.Content, nil
		}
	}
	return "", nil
}

// ---------- Dify ----------

// difyExtractor reads the top-level answer field in both modes.
type difyExtractor struct{}

func (difyExtractor) Answer(body []byte) (string, error) {
	var resp struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &MalformedPayloadError{Raw: string(body), Err: err}
	}
	return resp.Answer, nil
}

func (difyExtractor) Delta(payload []byte) (string, error) {
	var chunk struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", &MalformedPayloadError{Raw: string(payload), Err: err}
	}
	return chunk.Answer, nil
}

// ---------- FastGPT ----------

// fastgptExtractor wraps the OpenAI shape. FastGPT's raw stream framing
// leaks a "0:" or "1:" channel prefix into the first content chunk; it is
// stripped from the first non-empty delta only. This quirk stays confined
// here so the shared stream parser never sees it.
type fastgptExtractor struct {
	inner    openaiExtractor
	stripped bool
}

func (f *fastgptExtractor) Answer(body []byte) (string, error) {
	text, err := f.inner.Answer(body)
	if err != nil {
		return "", err
	}
	return stripChannelPrefix(text), nil
}

func (f *fastgptExtractor) Delta(payload []byte) (string, error) {
	text, err := f.inner.Delta(payload)
	if err != nil || text == "" {
		return text, err
	}
	if !f.stripped {
		f.stripped = true
		return stripChannelPrefix(text), nil
	}
	return text, nil
}

func stripChannelPrefix(s string) string {
	for _, prefix := range []string{"0:", "1:"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	return s
}
