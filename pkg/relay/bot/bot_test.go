package bot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zxd147/feishu-client/pkg/relay/feishu"
	"github.com/zxd147/feishu-client/pkg/relay/llm"
)

// fakeMessenger implements the full Messenger surface over fakeCarder.
type fakeMessenger struct {
	*fakeCarder

	mu        sync.Mutex
	texts     []string
	names     map[string]string
	files     map[string][]byte
	uploaded  map[string][]byte
	downErr   error
	uploadErr error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		fakeCarder: newFakeCarder(),
		names:      map[string]string{"ou-alice": "Alice"},
		files:      map[string][]byte{"key-1": []byte("file bytes")},
		uploaded:   make(map[string][]byte),
	}
}

func (m *fakeMessenger) SendText(ctx context.Context, aud feishu.Audience, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) GetUserName(ctx context.Context, openID string) (string, error) {
	if name, ok := m.names[openID]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

func (m *fakeMessenger) DownloadFile(ctx context.Context, messageID, fileKey string) ([]byte, string, error) {
	if m.downErr != nil {
		return nil, "", m.downErr
	}
	content, ok := m.files[fileKey]
	if !ok {
		return nil, "", errors.New("no such file")
	}
	return content, "report.pdf", nil
}

func (m *fakeMessenger) UploadApprovalFile(ctx context.Context, name string, content []byte) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded[name] = content
	return "file-code-1", nil
}

func (m *fakeMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// fakeCompleter records the users and queries it saw.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   []string
	users   []string
	deltas  []string
	openErr error
}

func (f *fakeCompleter) StreamQuery(ctx context.Context, user, query string) (DeltaStream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.users = append(f.users, user)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{deltas: f.deltas}, nil
}

func messagePayload(eventID, openID, msgType, content string) *feishu.EventPayload {
	p := &feishu.EventPayload{}
	p.Header.EventID = eventID
	p.Header.EventType = feishu.EventTypeMessageReceive
	p.Event.Sender.SenderID.OpenID = openID
	p.Event.Message.MessageID = "om-" + eventID
	p.Event.Message.ChatType = "p2p"
	p.Event.Message.MessageType = msgType
	p.Event.Message.Content = content
	return p
}

func textPayload(eventID, openID, text string) *feishu.EventPayload {
	content, _ := json.Marshal(map[string]string{"text": text})
	return messagePayload(eventID, openID, "text", string(content))
}

func newTestBot(m Messenger, c Completer, convs *llm.Conversations) *Bot {
	return New(m, c, convs, 3, time.Millisecond, nil)
}

func TestHandleEventRelaysTextIntoCard(t *testing.T) {
	messenger := newFakeMessenger()
	completer := &fakeCompleter{deltas: []string{"Hello", " world"}}
	b := newTestBot(messenger, completer, nil)

	b.HandleEvent(context.Background(), textPayload("evt-1", "ou-alice", "what's up?"))
	b.Wait()

	if messenger.created != 1 {
		t.Fatalf("cards created = %d, want 1", messenger.created)
	}
	if len(messenger.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(messenger.updates))
	}
	if got := messenger.updates[1].content; got != "Hello world" {
		t.Errorf("final content = %q", got)
	}
	if got := completer.users[0]; got != "Alice" {
		t.Errorf("upstream user = %q, want resolved display name", got)
	}
	if got := completer.calls[0]; got != "what's up?" {
		t.Errorf("query = %q", got)
	}
}

func TestHandleEventDropsDuplicates(t *testing.T) {
	messenger := newFakeMessenger()
	completer := &fakeCompleter{deltas: []string{"once"}}
	b := newTestBot(messenger, completer, nil)

	b.HandleEvent(context.Background(), textPayload("evt-dup", "ou-alice", "hi"))
	b.Wait()
	b.HandleEvent(context.Background(), textPayload("evt-dup", "ou-alice", "hi"))
	b.Wait()

	if messenger.created != 1 {
		t.Errorf("cards created = %d, want 1 (redelivery must be dropped)", messenger.created)
	}
}

func TestHandleEventIgnoresOtherEventTypes(t *testing.T) {
	messenger := newFakeMessenger()
	b := newTestBot(messenger, &fakeCompleter{}, nil)

	p := textPayload("evt-x", "ou-alice", "hi")
	p.Header.EventType = "im.chat.updated_v1"
	b.HandleEvent(context.Background(), p)
	b.Wait()

	if messenger.created != 0 || len(messenger.sentTexts()) != 0 {
		t.Error("non-message event triggered a reply")
	}
}

func TestResetCommandClearsConversation(t *testing.T) {
	for _, phrase := range []string{"重置", "清空对话。", "/reset"} {
		t.Run(phrase, func(t *testing.T) {
			messenger := newFakeMessenger()
			completer := &fakeCompleter{}
			convs := llm.NewConversations()
			convs.Set("Alice", "conv-1")
			b := newTestBot(messenger, completer, convs)

			b.HandleEvent(context.Background(), textPayload("evt-r", "ou-alice", phrase))
			b.Wait()

			if got := convs.Get("Alice"); got != "" {
				t.Errorf("conversation id = %q, want cleared", got)
			}
			texts := messenger.sentTexts()
			if len(texts) != 1 || texts[0] != replyReset {
				t.Errorf("texts = %v, want [%q]", texts, replyReset)
			}
			if len(completer.calls) != 0 {
				t.Error("reset phrase was sent upstream")
			}
		})
	}
}

func TestStreamOpenFailureFallsBackOnCard(t *testing.T) {
	messenger := newFakeMessenger()
	completer := &fakeCompleter{openErr: errors.New("upstream down")}
	b := newTestBot(messenger, completer, nil)

	b.HandleEvent(context.Background(), textPayload("evt-f", "ou-alice", "hi"))
	b.Wait()

	if len(messenger.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(messenger.updates))
	}
	if got := messenger.updates[0].content; got != fallbackReply {
		t.Errorf("card content = %q, want %q", got, fallbackReply)
	}
}

func TestHandleFileDownloadsAndUploads(t *testing.T) {
	messenger := newFakeMessenger()
	b := newTestBot(messenger, &fakeCompleter{}, nil)

	content, _ := json.Marshal(map[string]string{"file_key": "key-1", "file_name": "orig.pdf"})
	b.HandleEvent(context.Background(), messagePayload("evt-file", "ou-alice", "file", string(content)))
	b.Wait()

	texts := messenger.sentTexts()
	if len(texts) < 2 || texts[0] != replyFileProcessing || texts[1] != replyFileDownloaded {
		t.Errorf("status texts = %v", texts)
	}
	if got := string(messenger.uploaded["report.pdf"]); got != "file bytes" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestHandleFileDownloadFailure(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.downErr = errors.New("gone")
	b := newTestBot(messenger, &fakeCompleter{}, nil)

	content, _ := json.Marshal(map[string]string{"file_key": "key-1", "file_name": "orig.pdf"})
	b.HandleEvent(context.Background(), messagePayload("evt-df", "ou-alice", "file", string(content)))
	b.Wait()

	texts := messenger.sentTexts()
	if len(texts) != 2 || texts[1] != replyDownloadFailed {
		t.Errorf("texts = %v, want download failure reply", texts)
	}
	if len(messenger.uploaded) != 0 {
		t.Error("upload ran despite download failure")
	}
}

func TestHandleFileUploadFailure(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.uploadErr = errors.New("store rejected")
	b := newTestBot(messenger, &fakeCompleter{}, nil)

	content, _ := json.Marshal(map[string]string{"file_key": "key-1", "file_name": "orig.pdf"})
	b.HandleEvent(context.Background(), messagePayload("evt-uf", "ou-alice", "file", string(content)))
	b.Wait()

	texts := messenger.sentTexts()
	if len(texts) != 3 || texts[2] != replyUploadFailed {
		t.Errorf("texts = %v, want upload failure reply", texts)
	}
}

func TestUnsupportedMessageTypeGetsHint(t *testing.T) {
	messenger := newFakeMessenger()
	b := newTestBot(messenger, &fakeCompleter{}, nil)

	b.HandleEvent(context.Background(), messagePayload("evt-img", "ou-alice", "image", `{"image_key":"img-1"}`))
	b.Wait()

	texts := messenger.sentTexts()
	if len(texts) != 1 || texts[0] != replyUnsupported {
		t.Errorf("texts = %v, want [%q]", texts, replyUnsupported)
	}
}

func TestUserKeyFallsBackToOpenID(t *testing.T) {
	messenger := newFakeMessenger()
	completer := &fakeCompleter{deltas: []string{"ok"}}
	b := newTestBot(messenger, completer, nil)

	b.HandleEvent(context.Background(), textPayload("evt-u", "ou-unknown", "hi"))
	b.Wait()

	if got := completer.users[0]; got != "ou-unknown" {
		t.Errorf("user = %q, want the open_id fallback", got)
	}
}
