package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zxd147/feishu-client/pkg/relay/config"
)

func newTestClient(t *testing.T, server *httptest.Server, provider string, convs *Conversations) *Client {
	t.Helper()
	cfg := config.ModelConfig{
		Provider:     provider,
		BaseURL:      server.URL,
		ChatEndpoint: "/chat",
		APIKey:       "test-key",
	}
	if convs != nil {
		cfg.ConvEndpoint = "/conversations"
		cfg.ConvLimit = 5
	}
	return New("test", cfg, config.Params{}, convs, nil)
}

func sseBody(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestCompleteQueryBlockingJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"the answer"}}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	got, err := c.CompleteQuery(context.Background(), "alice", "question")
	if err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if got != "the answer" {
		t.Errorf("got %q", got)
	}
}

func TestCompleteQueryDrainsEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody("Hi", " there", "!"))
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	got, err := c.CompleteQuery(context.Background(), "alice", "question")
	if err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if got != "Hi there!" {
		t.Errorf("got %q", got)
	}
}

func TestStreamQueryDeltaOrderAndAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody("Hi", " there", "!"))
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	stream, err := c.StreamQuery(context.Background(), "alice", "question")
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	defer stream.Close()

	want := []string{"Hi", " there", "!"}
	for i, w := range want {
		got, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if got != w {
			t.Errorf("Recv %d: got %q, want %q", i, got, w)
		}
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if got := stream.Answer(); got != "Hi there!" {
		t.Errorf("Answer = %q", got)
	}
	// Terminal errors are sticky.
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected sticky EOF, got %v", err)
	}
}

func TestStreamQuerySkipsBlankAndCommentLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\nevent: message\ndata: {\"choices\":[{\"delta\":{\"content\":\"only\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	stream, err := c.StreamQuery(context.Background(), "alice", "q")
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	defer stream.Close()

	got, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != "only" {
		t.Errorf("got %q", got)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamQueryMalformedPayloadPoisonsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: {broken\n\n")
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	stream, err := c.StreamQuery(context.Background(), "alice", "q")
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	defer stream.Close()

	if got, err := stream.Recv(); err != nil || got != "ok" {
		t.Fatalf("first Recv: got (%q, %v)", got, err)
	}

	_, err = stream.Recv()
	var malformed *MalformedPayloadError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	// Poisoned stream keeps returning the same error, and the chunks already
	// delivered stay in the accumulated answer.
	if _, again := stream.Recv(); !errors.As(again, &malformed) {
		t.Fatalf("expected sticky error, got %v", again)
	}
	if got := stream.Answer(); got != "ok" {
		t.Errorf("Answer = %q", got)
	}
}

func TestStreamQueryBlockingFallbackIsOneChunkStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"whole"}}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	stream, err := c.StreamQuery(context.Background(), "alice", "q")
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	defer stream.Close()

	got, err := stream.Recv()
	if err != nil || got != "whole" {
		t.Fatalf("got (%q, %v)", got, err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamQueryUnsupportedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html></html>")
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	_, err := c.StreamQuery(context.Background(), "alice", "q")
	var unsupported *UnsupportedContentTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedContentTypeError, got %v", err)
	}
}

func TestStreamQueryNon200Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server, "openai", nil)
	_, err := c.StreamQuery(context.Background(), "alice", "q")
	var status *UpstreamStatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected UpstreamStatusError, got %v", err)
	}
	if status.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", status.StatusCode)
	}
}

func TestEnsureConversationPopulatesEmptyID(t *testing.T) {
	var lookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"ok"}`)
	})
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		if got := r.URL.Query().Get("user"); got != "alice" {
			t.Errorf("user = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"id":"conv-1"},{"id":"conv-0"}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	convs := NewConversations()
	c := newTestClient(t, server, "dify", convs)

	if _, err := c.CompleteQuery(context.Background(), "alice", "hi"); err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if got := convs.Get("alice"); got != "conv-1" {
		t.Errorf("conversation id = %q, want conv-1", got)
	}

	// A populated id skips the lookup on subsequent calls.
	if _, err := c.CompleteQuery(context.Background(), "alice", "again"); err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if got := lookups.Load(); got != 1 {
		t.Errorf("lookup count = %d, want 1", got)
	}
}

func TestEnsureConversationFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"still fine"}`)
	})
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	convs := NewConversations()
	c := newTestClient(t, server, "dify", convs)

	got, err := c.CompleteQuery(context.Background(), "alice", "hi")
	if err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if got != "still fine" {
		t.Errorf("got %q", got)
	}
	if id := convs.Get("alice"); id != "" {
		t.Errorf("conversation id = %q, want empty", id)
	}
}

func TestCompleteQueryFailureIsReturnedNotLogged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	cfg := config.ModelConfig{Provider: "openai", BaseURL: server.URL, ChatEndpoint: "/chat"}
	c := New("test", cfg, config.Params{}, nil, logger)

	_, err := c.CompleteQuery(context.Background(), "alice", "q")
	var status *UpstreamStatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected UpstreamStatusError, got %v", err)
	}
	// The error is the caller's to report; the client must not log it too.
	if logged := logBuf.String(); strings.Contains(logged, "level=ERROR") {
		t.Errorf("client logged the failure itself:\n%s", logged)
	}
}

func TestRequestShapePerProvider(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Request{}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"ok","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	difyClient := newTestClient(t, server, "dify", nil)
	if _, err := difyClient.CompleteQuery(context.Background(), "alice", "hi"); err != nil {
		t.Fatalf("dify CompleteQuery: %v", err)
	}
	if got.Query != "hi" || len(got.Messages) != 0 {
		t.Errorf("dify request = %+v, want query field", got)
	}

	openaiClient := newTestClient(t, server, "openai", nil)
	if _, err := openaiClient.CompleteQuery(context.Background(), "alice", "hi"); err != nil {
		t.Fatalf("openai CompleteQuery: %v", err)
	}
	if got.Query != "" || len(got.Messages) != 1 || got.Messages[0] != (Message{Role: "user", Content: "hi"}) {
		t.Errorf("openai request = %+v, want single user message", got)
	}
}

func TestRequestCarriesConversationID(t *testing.T) {
	var gotConvID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		gotConvID = req.ConversationID
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"answer":"ok"}`)
	}))
	defer server.Close()

	convs := NewConversations()
	convs.Set("alice", "conv-9")
	c := newTestClient(t, server, "dify", convs)

	if _, err := c.CompleteQuery(context.Background(), "alice", "hi"); err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if gotConvID != "conv-9" {
		t.Errorf("conversation_id on wire = %q, want conv-9", gotConvID)
	}
}
