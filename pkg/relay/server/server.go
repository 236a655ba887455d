// Package server wires the webhook endpoints onto one HTTP listener: the
// Feishu event callback, the WeChat public-account exchange, and health.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zxd147/feishu-client/pkg/relay/bot"
	"github.com/zxd147/feishu-client/pkg/relay/feishu"
	"github.com/zxd147/feishu-client/pkg/relay/wechat"
)

// maxEventBody bounds inbound webhook payloads.
const maxEventBody = 1 << 20

// Server is the inbound HTTP front of the relay.
type Server struct {
	httpServer  *http.Server
	bot         *bot.Bot
	wechat      *wechat.Handler
	verifyToken string
	logger      *slog.Logger
}

// New builds the server. bot or wechatHandler may be nil to leave that
// front-end unrouted.
func New(addr string, b *bot.Bot, wechatHandler *wechat.Handler, verifyToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bot:         b,
		wechat:      wechatHandler,
		verifyToken: verifyToken,
		logger:      logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	if b != nil {
		mux.HandleFunc("POST /v1/feishu/events", s.handleFeishuEvent)
	}
	if wechatHandler != nil {
		mux.HandleFunc("GET /v1/wechat_mp", s.handleWeChatVerify)
		mux.HandleFunc("POST /v1/wechat_mp", s.handleWeChatMessage)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the listener until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleFeishuEvent answers the url_verification handshake inline and hands
// message events to the bot. The webhook must return quickly; the bot runs
// the actual work in its own goroutines.
func (s *Server) handleFeishuEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	payload, err := feishu.ParseEvent(body)
	if err != nil {
		s.logger.Error("bad event payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if !payload.VerifyToken(s.verifyToken) {
		s.logger.Warn("event token mismatch", "event_id", payload.Header.EventID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if payload.IsChallenge() {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}

	s.bot.HandleEvent(context.WithoutCancel(r.Context()), payload)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"msg": "ok"})
}

// handleWeChatVerify serves the one-time endpoint verification: echo back
// echostr when the signature checks out.
func (s *Server) handleWeChatVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.wechat.Verify(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	io.WriteString(w, q.Get("echostr"))
}

func (s *Server) handleWeChatMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.wechat.Verify(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	msg, err := wechat.ParseMessage(body)
	if err != nil {
		s.logger.Error("bad wechat payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	reply, err := s.wechat.Chat(r.Context(), msg)
	if err != nil {
		s.logger.Error("wechat reply failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(reply)
}
