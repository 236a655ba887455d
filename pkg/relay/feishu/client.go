// Package feishu implements the Feishu (Lark) open-platform client used by
// the bot: card lifecycle, message sending, file download, and the approval
// file store — all over the plain HTTP API, no SDK.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

const (
	// openAPIBase is the open-platform API origin.
	openAPIBase = "https://open.feishu.cn/open-apis"

	// approvalUploadURL is the approval file store upload endpoint. It
	// lives on a different host than the open API.
	approvalUploadURL = "https://www.feishu.cn/approval/openapi/v2/file/upload"

	// tokenExpiryMargin refreshes the tenant token this long before the
	// platform-reported expiry.
	tokenExpiryMargin = 5 * time.Minute
)

// Audience addresses an outbound message: the sender's open_id for direct
// chats, the chat_id for group chats.
type Audience struct {
	P2P    bool
	OpenID string
	ChatID string
}

// receiveID returns the receive_id_type and receive_id pair for the send API.
func (a Audience) receiveID() (string, string) {
	if a.P2P {
		return "open_id", a.OpenID
	}
	return "chat_id", a.ChatID
}

// APIError is a non-zero business code in a Feishu API envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu API error %d: %s", e.Code, e.Msg)
}

// Client is a Feishu open-platform API client with tenant token caching.
type Client struct {
	appID      string
	appSecret  string
	apiBase    string
	uploadURL  string
	httpClient *http.Client
	logger     *slog.Logger

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient creates a client for one Feishu application.
func NewClient(appID, appSecret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		appID:      appID,
		appSecret:  appSecret,
		apiBase:    openAPIBase,
		uploadURL:  approvalUploadURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "feishu"),
	}
}

// SetBaseURL overrides the API endpoints. Used by tests.
func (c *Client) SetBaseURL(apiBase, uploadURL string) {
	c.apiBase = apiBase
	c.uploadURL = uploadURL
}

// envelope is the common Feishu API response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// tenantToken returns a valid tenant_access_token, fetching a fresh one when
// the cached token is missing or close to expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpires) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if result.Code != 0 {
		return "", &APIError{Code: result.Code, Msg: result.Msg}
	}

	c.token = result.TenantAccessToken
	c.tokenExpires = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryMargin)
	c.logger.Debug("tenant token refreshed", "expires_in", result.Expire)
	return c.token, nil
}

// doJSON performs an authenticated JSON API call and unmarshals the data
// field of the envelope into out (out may be nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

// CreateCard allocates a streaming card from the fixed template and returns
// its id.
func (c *Client) CreateCard(ctx context.Context) (string, error) {
	var data struct {
		CardID string `json:"card_id"`
	}
	body := map[string]string{
		"type": "card_json",
		"data": cardTemplate,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/cardkit/v1/cards", body, &data); err != nil {
		return "", fmt.Errorf("creating card: %w", err)
	}
	c.logger.Debug("card created", "card_id", data.CardID)
	return data.CardID, nil
}

// SendCard delivers the card reference as an interactive message.
func (c *Client) SendCard(ctx context.Context, aud Audience, cardID string) error {
	content, _ := json.Marshal(map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
	return c.sendMessage(ctx, aud, "interactive", string(content))
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, aud Audience, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.sendMessage(ctx, aud, "text", string(content))
}

func (c *Client) sendMessage(ctx context.Context, aud Audience, msgType, content string) error {
	idType, id := aud.receiveID()
	body := map[string]string{
		"receive_id": id,
		"msg_type":   msgType,
		"content":    content,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/im/v1/messages?receive_id_type="+idType, body, nil); err != nil {
		return fmt.Errorf("sending %s message: %w", msgType, err)
	}
	return nil
}

// UpdateCard replaces the card's text element content, tagged with the given
// sequence number. token is the per-attempt idempotency uuid: retries of the
// same sequence must carry a fresh token so the backend neither drops a
// legitimate retry as a duplicate nor applies one token twice.
func (c *Client) UpdateCard(ctx context.Context, cardID, content string, sequence int, token string) error {
	body := map[string]any{
		"uuid":     token,
		"content":  content,
		"sequence": sequence,
	}
	path := fmt.Sprintf("/cardkit/v1/cards/%s/elements/%s/content", cardID, cardElementID)
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("updating card %s seq %d: %w", cardID, sequence, err)
	}
	return nil
}

// GetUserName resolves an open_id to the user's display name.
func (c *Client) GetUserName(ctx context.Context, openID string) (string, error) {
	var data struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	path := "/contact/v3/users/" + openID + "?user_id_type=open_id"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", fmt.Errorf("resolving user %s: %w", openID, err)
	}
	return data.User.Name, nil
}

// DownloadFile fetches a file attached to a chat message. Returns the raw
// bytes and the filename reported by the platform.
func (c *Client) DownloadFile(ctx context.Context, messageID, fileKey string) ([]byte, string, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, "", err
	}

	path := fmt.Sprintf("%s/im/v1/messages/%s/resources/%s?type=file", c.apiBase, messageID, fileKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("download failed with status %d: %s", resp.StatusCode, string(body))
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading file body: %w", err)
	}

	name := fileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	c.logger.Info("message file downloaded", "message_id", messageID, "file_key", fileKey, "size", len(content))
	return content, name, nil
}

// fileNameFromDisposition extracts the filename parameter, if present.
func fileNameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// UploadApprovalFile pushes file content to the approval file store and
// returns the file code the approval API references it by.
func (c *Client) UploadApprovalFile(ctx context.Context, name string, content []byte) (string, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("content", name)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("writing file content: %w", err)
	}
	if err := w.WriteField("name", name); err != nil {
		return "", fmt.Errorf("writing name field: %w", err)
	}
	if err := w.WriteField("type", "attachment"); err != nil {
		return "", fmt.Errorf("writing type field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Code string `json:"code"`
			URL  string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if result.Code != 0 {
		return "", &APIError{Code: result.Code, Msg: result.Msg}
	}

	c.logger.Info("file uploaded to approval store", "name", name, "file_code", result.Data.Code)
	return result.Data.Code, nil
}
