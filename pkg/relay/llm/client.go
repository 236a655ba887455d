// Package llm implements the completion client for upstream LLM HTTP
// backends. One Client serves one configured backend; it owns a bounded
// connection pool and hides the blocking-JSON vs event-stream distinction
// behind CompleteQuery and StreamQuery.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zxd147/feishu-client/pkg/relay/config"
)

// Request is the completion request payload. Constructed per call from the
// configured parameter template; immutable once sent.
type Request struct {
	Model          string         `json:"model,omitempty"`
	Query          string         `json:"query,omitempty"`
	User           string         `json:"user,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Inputs         map[string]any `json:"inputs"`
	Messages       []Message      `json:"messages,omitempty"`
	ResponseMode   string         `json:"response_mode,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
}

// Message is one entry of the ordered message history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to one upstream completion backend.
type Client struct {
	name         string
	provider     string
	baseURL      string
	chatEndpoint string
	convEndpoint string
	apiKey       string
	convLimit    int
	timeout      time.Duration
	params       config.Params

	httpClient *http.Client
	sem        *semaphore.Weighted
	convs      *Conversations
	logger     *slog.Logger
}

// New creates a client for the named backend. convs may be nil for backends
// without a conversation endpoint; it is consulted and populated around each
// request for conversation-bearing backends.
func New(name string, cfg config.ModelConfig, params config.Params, convs *Conversations, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 10
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.ConvEndpoint == "" {
		convs = nil
	}
	return &Client{
		name:         name,
		provider:     cfg.Provider,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		chatEndpoint: cfg.ChatEndpoint,
		convEndpoint: cfg.ConvEndpoint,
		apiKey:       cfg.APIKey,
		convLimit:    cfg.ConvLimit,
		timeout:      timeout,
		params:       params,
		httpClient: &http.Client{
			// No global timeout: it would race with streamed responses.
			// The header timeout bounds how long the backend may stall
			// before producing anything; per-call contexts bound the rest.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
		sem:    semaphore.NewWeighted(int64(limit)),
		convs:  convs,
		logger: logger.With("component", "llm", "backend", name),
	}
}

// Conversations returns the conversation table, or nil when the backend does
// not track dialogues.
func (c *Client) Conversations() *Conversations { return c.convs }

// newRequest builds a request from the parameter template. OpenAI-shaped
// backends take the query as a message list; Dify takes it as a query field.
func (c *Client) newRequest(user, query string, stream bool) Request {
	r := Request{
		Model:       c.params.Model,
		User:        user,
		Inputs:      c.params.Inputs,
		Temperature: c.params.Temperature,
		MaxTokens:   c.params.MaxTokens,
		Stream:      stream,
	}
	if r.User == "" {
		r.User = c.params.User
	}
	if strings.ToLower(c.provider) == "dify" {
		r.Query = query
	} else {
		r.Messages = []Message{{Role: "user", Content: query}}
	}
	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}
	if c.params.ResponseMode != "" {
		if stream {
			r.ResponseMode = "streaming"
		} else {
			r.ResponseMode = "blocking"
		}
	}
	if c.convs != nil {
		r.ConversationID = c.convs.Get(user)
	}
	return r
}

// CompleteQuery issues one blocking completion call and returns the full
// answer text. Transport, status, and payload failures are returned to the
// caller; the public-account path maps them to its fixed fallback reply.
func (c *Client) CompleteQuery(ctx context.Context, user, query string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, c.newRequest(user, query, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	c.ensureConversation(ctx, user)

	// Failures are returned, not logged: the call boundary decides between
	// degrading to a fallback reply and terminating, and logs there.
	answer, err := parseSingle(resp, NewExtractor(c.provider))
	if err != nil {
		return "", err
	}
	c.logger.Info("completion done", "user", user, "answer_len", len(answer))
	return answer, nil
}

// StreamQuery issues one streaming completion call and returns the delta
// stream. The returned stream is finite and not restartable; the caller must
// Close it on every exit path, which releases both the connection and the
// concurrency slot. A backend that answers with a blocking JSON body despite
// the stream flag is surfaced as a one-chunk stream.
func (c *Client) StreamQuery(ctx context.Context, user, query string) (*CompletionStream, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { c.sem.Release(1) }

	resp, err := c.post(ctx, c.newRequest(user, query, true))
	if err != nil {
		release()
		return nil, err
	}

	if err := assertResponse(resp); err != nil {
		resp.Body.Close()
		release()
		return nil, err
	}

	// Populate the conversation id as soon as the response is open, off the
	// per-chunk hot path. The first request of a session goes out with an
	// empty id so the backend allocates one.
	c.ensureConversation(ctx, user)

	ex := NewExtractor(c.provider)
	switch ct := contentType(resp); ct {
	case "text/event-stream":
		return newEventStream(resp.Body, ex, release), nil
	case "application/json":
		answer, err := parseSingle(resp, ex)
		resp.Body.Close()
		if err != nil {
			release()
			return nil, err
		}
		return newSingleStream(answer, release), nil
	default:
		resp.Body.Close()
		release()
		return nil, &UnsupportedContentTypeError{ContentType: ct}
	}
}

// post issues the completion POST. Body content type is always JSON.
func (c *Client) post(ctx context.Context, reqBody Request) (*http.Response, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + c.chatEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.logger.Debug("sending completion request",
		"endpoint", endpoint,
		"user", reqBody.User,
		"stream", reqBody.Stream,
		"conversation_id", reqBody.ConversationID,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	return resp, nil
}

// ensureConversation fetches and stores the user's latest conversation id
// when the tracked id is empty. Runs at most once per empty-id session; a
// lost update between racing callers is tolerated because both store the
// same freshly listed id.
func (c *Client) ensureConversation(ctx context.Context, user string) {
	if c.convs == nil || user == "" || c.convs.Get(user) != "" {
		return
	}

	q := url.Values{}
	q.Set("user", user)
	if c.convLimit > 0 {
		q.Set("limit", strconv.Itoa(c.convLimit))
	}
	endpoint := c.baseURL + c.convEndpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.logger.Error("building conversation lookup failed", "user", user, "error", err)
		return
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("conversation lookup failed", "user", user, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("conversation lookup rejected", "user", user, "status", resp.StatusCode)
		return
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		c.logger.Error("decoding conversation list failed", "user", user, "error", err)
		return
	}
	if len(list.Data) == 0 {
		c.logger.Debug("no conversations yet for user", "user", user)
		return
	}

	id := list.Data[0].ID
	c.convs.Set(user, id)
	c.logger.Info("conversation id refreshed", "user", user, "conversation_id", id)
}
