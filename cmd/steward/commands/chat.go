package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/steward-bot/steward/pkg/steward/assistant"
	"github.com/steward-bot/steward/pkg/steward/config"
)

// localConversationID is the conversation used by the local REPL, so it
// keeps its own history separate from chat channels.
const localConversationID = "cli:local"

// newChatCmd creates the `steward chat` command for local conversations.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Talk to the assistant without any chat channel. With a message
argument it answers once and exits; without arguments it starts an
interactive session.

Examples:
  steward chat "what did I ask you to remember?"
  steward chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)
	config.ResolveAPIKey(cfg, logger)

	// The REPL has no channels; disable them so Start doesn't try to
	// connect with whatever tokens the config carries.
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.Discord.Enabled = false

	a, err := assistant.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Stop()

	if len(args) > 0 {
		reply := a.RunLocalTurn(ctx, localConversationID, strings.Join(args, " "))
		fmt.Println(reply)
		return nil
	}

	return runRepl(ctx, a, cfg.Name)
}

// runRepl runs the interactive readline loop until EOF or /quit.
func runRepl(ctx context.Context, a *assistant.Assistant, name string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".steward_chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Chatting with %s. /quit to exit, /help for commands.\n", name)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if assistant.IsCommand(line) {
			fmt.Println(a.HandleCommand(line))
			continue
		}

		reply := a.RunLocalTurn(ctx, localConversationID, line)
		fmt.Printf("%s> %s\n", strings.ToLower(name), reply)
	}
}
