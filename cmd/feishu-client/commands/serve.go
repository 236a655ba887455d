package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/zxd147/feishu-client/pkg/relay/bot"
	"github.com/zxd147/feishu-client/pkg/relay/config"
	"github.com/zxd147/feishu-client/pkg/relay/feishu"
	"github.com/zxd147/feishu-client/pkg/relay/llm"
	"github.com/zxd147/feishu-client/pkg/relay/server"
	"github.com/zxd147/feishu-client/pkg/relay/wechat"
)

// defaultConfigPath is tried when no --config flag is given.
const defaultConfigPath = "configs/config.yaml"

// newServeCmd creates the `feishu-client serve` command that starts the
// daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		Long: `Start the relay daemon: listens for Feishu webhook events and WeChat
public-account messages and relays them to the configured LLM backends.

Examples:
  feishu-client serve
  feishu-client serve --config ./configs/config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		logLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		logLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// ── Build backend clients ──
	// One client and one conversation table per configured model.
	clients := make(map[string]*llm.Client, len(cfg.Models))
	for name, mc := range cfg.Models {
		clients[name] = llm.New(name, mc, cfg.Params[name], llm.NewConversations(), logger)
	}

	// ── Feishu bot ──
	var feishuBot *bot.Bot
	if cfg.Feishu.AppID != "" && cfg.Feishu.BotModel != "" {
		client := clients[cfg.Feishu.BotModel]
		messenger := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret, logger)
		feishuBot = bot.New(messenger, bot.WrapClient(client), client.Conversations(),
			cfg.Bot.MaxRetries, cfg.Bot.RetryDelay(), logger)
		logger.Info("feishu bot enabled", "model", cfg.Feishu.BotModel)
	}

	// ── WeChat public account ──
	var wechatHandler *wechat.Handler
	if cfg.WeChat.Token != "" && cfg.WeChat.Model != "" {
		wechatHandler = wechat.NewHandler(cfg.WeChat.Token, clients[cfg.WeChat.Model], logger)
		logger.Info("wechat public account enabled", "model", cfg.WeChat.Model)
	}

	if feishuBot == nil && wechatHandler == nil {
		return fmt.Errorf("no front-end configured: set feishu.app_id/bot_model or wechat.token/model")
	}

	// ── Conversation janitor ──
	scheduler := cron.New()
	if idle := cfg.Bot.ConversationIdle(); idle > 0 {
		_, err := scheduler.AddFunc("@hourly", func() {
			for name, client := range clients {
				if convs := client.Conversations(); convs != nil {
					if pruned := convs.PruneIdle(idle); pruned > 0 {
						logger.Info("idle conversations pruned", "backend", name, "count", pruned)
					}
				}
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling conversation janitor: %w", err)
		}
		scheduler.Start()
	}

	// ── Start ──
	srv := server.New(cfg.Server.Addr(), feishuBot, wechatHandler, cfg.Feishu.VerificationToken, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	logger.Info("relay running. Press Ctrl+C to stop.", "addr", cfg.Server.Addr())

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
	}

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scheduler.Stop()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		if feishuBot != nil {
			feishuBot.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}

	return nil
}
