// quill - A minimal desktop chat client for the Mercury LLM API.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/chat"
	"github.com/jeranaias/quill/internal/cloud"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/settings"
	"github.com/jeranaias/quill/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const helpText = `Commands:
  /new              start a fresh conversation
  /recent [n]       list recent conversations (default 20)
  /history <id>     show a conversation's messages
  /resume <id>      continue an existing conversation
  /model <name>     set the completion model
  /tokens <n>       set the max_tokens limit
  /theme <name>     set the theme (dark, light, auto)
  /key <value>      store the Mercury API key
  /status           show current configuration
  /help             show this help
  /quit             exit

Anything else is sent to the model as a prompt.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quill: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("quill starting",
		zap.String("version", Version),
		zap.String("commit", GitCommit))

	dataDir, err := settings.DataDir()
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	store, err := storage.Open(filepath.Join(dataDir, "quill.db"), logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()

	cfgStore, err := settings.NewStore(logger)
	if err != nil {
		return fmt.Errorf("failed to create settings store: %w", err)
	}
	cfg, err := cfgStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	client := cloud.NewClient(cfg.APIKey, logger)
	logger.Info("mercury client ready", zap.String("api_key", client.APIKeyMasked()))

	// Pick up external edits to settings.json without a restart.
	watcher, err := settings.NewWatcher(cfgStore, settings.DefaultWatchDebounce, func(updated settings.Settings) {
		client.SetAPIKey(updated.APIKey)
		logger.Info("settings reloaded",
			zap.String("model", updated.Model),
			zap.Int("max_tokens", updated.MaxTokens))
	}, logger)
	if err == nil {
		if werr := watcher.Watch(); werr != nil {
			logger.Warn("settings watcher unavailable", zap.Error(werr))
		}
		defer watcher.Close()
	} else {
		logger.Warn("settings watcher unavailable", zap.Error(err))
	}

	svc := chat.NewService(store, cfgStore, client, session.New(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return repl(ctx, svc, cfgStore, client, logger)
}

// newLogger writes structured logs to a file under the data directory so
// the interactive prompt stays clean.
func newLogger() (*zap.Logger, error) {
	dataDir, err := settings.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(dataDir, "quill.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	return cfg.Build()
}

func repl(ctx context.Context, svc *chat.Service, cfgStore *settings.Store, client *cloud.Client, logger *zap.Logger) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("quill %s - type /help for commands\n", Version)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		input, err := line.Prompt("> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			// io.EOF on Ctrl-D
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(ctx, input, svc, cfgStore, client); quit {
				return nil
			}
			continue
		}

		sendPrompt(ctx, svc, input)
	}
}

func sendPrompt(ctx context.Context, svc *chat.Service, prompt string) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ex, err := svc.Send(reqCtx, prompt)
	if err != nil {
		fmt.Println(friendlyError(err))
		return
	}
	fmt.Printf("\n%s\n\n", ex.Reply)
}

// handleCommand dispatches a slash command. Returns true to exit.
func handleCommand(ctx context.Context, input string, svc *chat.Service, cfgStore *settings.Store, client *cloud.Client) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(helpText)

	case "/new":
		svc.NewChat()
		fmt.Println("Started a new chat.")

	case "/recent":
		limit := storage.DefaultRecentLimit
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			}
		}
		showRecent(ctx, svc, limit)

	case "/history":
		if len(args) == 0 {
			fmt.Println("Usage: /history <id>")
			break
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Println("Usage: /history <id>")
			break
		}
		showHistory(ctx, svc, id)

	case "/resume":
		if len(args) == 0 {
			fmt.Println("Usage: /resume <id>")
			break
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Println("Usage: /resume <id>")
			break
		}
		if err := svc.Resume(ctx, id); err != nil {
			fmt.Println(friendlyError(err))
			break
		}
		fmt.Printf("Resumed conversation %d.\n", id)

	case "/model":
		if len(args) == 0 {
			fmt.Println("Usage: /model <name>")
			break
		}
		saveSetting(cfgStore, settings.Update{Model: &args[0]})

	case "/tokens":
		if len(args) == 0 {
			fmt.Println("Usage: /tokens <n>")
			break
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("Usage: /tokens <n>")
			break
		}
		saveSetting(cfgStore, settings.Update{MaxTokens: &n})

	case "/theme":
		if len(args) == 0 {
			fmt.Println("Usage: /theme <dark|light|auto>")
			break
		}
		saveSetting(cfgStore, settings.Update{Theme: &args[0]})

	case "/key":
		if len(args) == 0 {
			fmt.Println("Usage: /key <value>")
			break
		}
		saveSetting(cfgStore, settings.Update{APIKey: &args[0]})
		client.SetAPIKey(args[0])

	case "/status":
		showStatus(cfgStore, client)

	default:
		fmt.Printf("Unknown command %s - type /help for commands\n", cmd)
	}
	return false
}

func saveSetting(cfgStore *settings.Store, u settings.Update) {
	if err := cfgStore.Save(u); err != nil {
		fmt.Printf("Not saved: %v\n", err)
		return
	}
	fmt.Println("Saved.")
}

func showRecent(ctx context.Context, svc *chat.Service, limit int) {
	recent, err := svc.Recent(ctx, limit)
	if err != nil {
		fmt.Println(friendlyError(err))
		return
	}
	if len(recent) == 0 {
		fmt.Println("No conversations yet.")
		return
	}
	for _, c := range recent {
		preview := c.FirstUserMessage
		if preview == "" {
			preview = "(no user messages)"
		}
		fmt.Printf("%6d  %-19s  %-30s  %s\n",
			c.ID, c.UpdatedAt.Format("2006-01-02 15:04:05"), c.Title, preview)
	}
}

func showHistory(ctx context.Context, svc *chat.Service, id int64) {
	msgs, err := svc.History(ctx, id)
	if err != nil {
		fmt.Println(friendlyError(err))
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		label := "you"
		if m.Role == storage.RoleAssistant {
			label = "mercury"
		}
		fmt.Printf("[%s] %s\n", label, m.Content)
	}
}

func showStatus(cfgStore *settings.Store, client *cloud.Client) {
	cfg, err := cfgStore.Load()
	if err != nil {
		fmt.Println(friendlyError(err))
		return
	}
	fmt.Printf("model:      %s\n", cfg.Model)
	fmt.Printf("max tokens: %d\n", cfg.MaxTokens)
	fmt.Printf("theme:      %s\n", cfg.Theme)
	fmt.Printf("api key:    %s\n", client.APIKeyMasked())
}

// friendlyError maps known error values to short, actionable messages.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, cloud.ErrNotConfigured):
		return "No API key configured. Set one with /key <value>."
	case errors.Is(err, cloud.ErrAuthFailed):
		return "Authentication failed. Check your API key with /status."
	case errors.Is(err, cloud.ErrRateLimited):
		return "Rate limited by the API. Try again shortly."
	case errors.Is(err, cloud.ErrInsufficientCredits):
		return "Your account is out of credits."
	case errors.Is(err, cloud.ErrModelNotFound):
		return "The configured model does not exist. Change it with /model."
	case errors.Is(err, storage.ErrConversationNotFound):
		return "No such conversation."
	case errors.Is(err, storage.ErrEmptyContent):
		return "Nothing to send."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
