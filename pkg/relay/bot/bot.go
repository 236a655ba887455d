// Package bot dispatches inbound Feishu message events: text messages are
// relayed to the upstream LLM with a streaming card, file messages go through
// the download/upload pipeline, and everything else gets a short hint.
package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zxd147/feishu-client/pkg/relay/feishu"
	"github.com/zxd147/feishu-client/pkg/relay/llm"
)

// Replies sent outside the card relay.
const (
	replyReset          = "会话已重置"
	replyFileProcessing = "文件正在处理中，请稍等..."
	replyFileDownloaded = "文件下载成功"
	replyDownloadFailed = "文件下载失败，请重试"
	replyUploadFailed   = "上传文件失败，请重试"
	replyUnsupported    = "没有理解您的信息，我现在只支持文本和文件消息哦~"
)

// resetPhrases clear the user's tracked conversation instead of being sent
// upstream.
var resetPhrases = map[string]struct{}{
	"重置":    {},
	"清空对话。": {},
	"/reset": {},
}

// Messenger is the Feishu surface the bot needs. Satisfied by feishu.Client.
type Messenger interface {
	Carder
	SendText(ctx context.Context, aud feishu.Audience, text string) error
	GetUserName(ctx context.Context, openID string) (string, error)
	DownloadFile(ctx context.Context, messageID, fileKey string) ([]byte, string, error)
	UploadApprovalFile(ctx context.Context, name string, content []byte) (string, error)
}

// Completer opens one streamed completion per call. Satisfied through
// WrapClient by llm.Client.
type Completer interface {
	StreamQuery(ctx context.Context, user, query string) (DeltaStream, error)
}

// WrapClient adapts an llm.Client to the Completer interface.
func WrapClient(c *llm.Client) Completer { return clientCompleter{c} }

type clientCompleter struct{ c *llm.Client }

func (a clientCompleter) StreamQuery(ctx context.Context, user, query string) (DeltaStream, error) {
	s, err := a.c.StreamQuery(ctx, user, query)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Bot handles inbound Feishu events.
type Bot struct {
	messenger  Messenger
	completer  Completer
	convs      *llm.Conversations
	dedup      *ProcessedIDSet
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a bot. convs may be nil for backends without conversation
// tracking; reset commands then only acknowledge.
func New(messenger Messenger, completer Completer, convs *llm.Conversations, maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		messenger:  messenger,
		completer:  completer,
		convs:      convs,
		dedup:      NewProcessedIDSet(0),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("component", "bot"),
	}
}

// Wait blocks until every in-flight event handler has finished. Called on
// shutdown after the listener stops accepting events.
func (b *Bot) Wait() { b.wg.Wait() }

// HandleEvent routes one webhook event. Redeliveries and non-message events
// are dropped; message handling runs in a tracked goroutine so the webhook
// response returns immediately.
func (b *Bot) HandleEvent(ctx context.Context, payload *feishu.EventPayload) {
	if payload.Header.EventType != feishu.EventTypeMessageReceive {
		b.logger.Debug("ignoring event", "event_type", payload.Header.EventType)
		return
	}
	if b.dedup.CheckAndAdd(payload.Header.EventID) {
		b.logger.Info("duplicate event dropped", "event_id", payload.Header.EventID)
		return
	}

	event := payload.Event
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleMessage(ctx, event)
	}()
}

func (b *Bot) handleMessage(ctx context.Context, event feishu.MessageEvent) {
	msg := event.Message
	aud := feishu.Audience{
		P2P:    msg.ChatType == "p2p",
		OpenID: event.Sender.SenderID.OpenID,
		ChatID: msg.ChatID,
	}

	switch msg.MessageType {
	case "text":
		text, err := feishu.ParseTextContent(msg.Content)
		if err != nil {
			b.logger.Error("bad text content", "message_id", msg.MessageID, "error", err)
			return
		}
		b.handleText(ctx, aud, event.Sender.SenderID.OpenID, text)
	case "file":
		file, err := feishu.ParseFileContent(msg.Content)
		if err != nil {
			b.logger.Error("bad file content", "message_id", msg.MessageID, "error", err)
			return
		}
		b.handleFile(ctx, aud, msg.MessageID, file)
	default:
		b.logger.Info("unsupported message type", "message_id", msg.MessageID, "type", msg.MessageType)
		b.sendText(ctx, aud, replyUnsupported)
	}
}

// handleText relays one text query into a streaming card, or resets the
// user's conversation when the text is a reset command.
func (b *Bot) handleText(ctx context.Context, aud feishu.Audience, openID, text string) {
	if _, ok := resetPhrases[text]; ok {
		if b.convs != nil {
			b.convs.Clear(b.userKey(ctx, openID))
		}
		b.sendText(ctx, aud, replyReset)
		return
	}

	user := b.userKey(ctx, openID)
	relay, err := newCardRelay(ctx, b.messenger, aud, b.maxRetries, b.retryDelay, b.logger)
	if err != nil {
		b.logger.Error("card setup failed", "user", user, "error", err)
		return
	}

	stream, err := b.completer.StreamQuery(ctx, user, text)
	if err != nil {
		b.logger.Error("opening completion stream failed", "user", user, "error", err)
		if ferr := relay.relayFallback(ctx); ferr != nil {
			b.logger.Error("fallback card update failed", "user", user, "error", ferr)
		}
		return
	}

	answer, err := relay.relayStream(ctx, stream)
	if err != nil {
		b.logger.Error("card relay aborted",
			"user", user, "sequence", relay.seq, "answer_len", len(answer), "error", err)
		return
	}
	b.logger.Info("card relay done", "user", user, "answer_len", len(answer), "updates", relay.seq)
}

// handleFile runs the download/upload pipeline with a status message at each
// stage.
func (b *Bot) handleFile(ctx context.Context, aud feishu.Audience, messageID string, file *feishu.FileContent) {
	b.sendText(ctx, aud, replyFileProcessing)

	content, name, err := b.messenger.DownloadFile(ctx, messageID, file.FileKey)
	if err != nil {
		b.logger.Error("file download failed", "message_id", messageID, "file_key", file.FileKey, "error", err)
		b.sendText(ctx, aud, replyDownloadFailed)
		return
	}
	if name == "" {
		name = file.FileName
	}
	b.sendText(ctx, aud, replyFileDownloaded)

	code, err := b.messenger.UploadApprovalFile(ctx, name, content)
	if err != nil {
		b.logger.Error("file upload failed", "message_id", messageID, "name", name, "error", err)
		b.sendText(ctx, aud, replyUploadFailed)
		return
	}
	b.logger.Info("file relayed", "message_id", messageID, "name", name, "file_code", code)
	b.sendText(ctx, aud, "文件上传成功："+name)
}

// userKey resolves the upstream user identity for an open_id. The display
// name keeps upstream conversations readable; the open_id is the fallback
// when the contact lookup fails.
func (b *Bot) userKey(ctx context.Context, openID string) string {
	name, err := b.messenger.GetUserName(ctx, openID)
	if err != nil || name == "" {
		b.logger.Debug("user name lookup failed, using open_id", "open_id", openID, "error", err)
		return openID
	}
	return name
}

func (b *Bot) sendText(ctx context.Context, aud feishu.Audience, text string) {
	if err := b.messenger.SendText(ctx, aud, text); err != nil {
		b.logger.Error("sending text failed", "error", err)
	}
}
