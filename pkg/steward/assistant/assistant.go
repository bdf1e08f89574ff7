// Package assistant is the core of steward: the orchestrator owns the
// database, the channel manager, the per-conversation serialization queue,
// the agent, the background job lane and the scheduler, and routes every
// trigger (message, photo, scheduled firing) through the queue.
package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steward-bot/steward/pkg/steward/channels"
	"github.com/steward-bot/steward/pkg/steward/channels/discord"
	"github.com/steward-bot/steward/pkg/steward/channels/telegram"
	"github.com/steward-bot/steward/pkg/steward/config"
	"github.com/steward-bot/steward/pkg/steward/jobs"
	"github.com/steward-bot/steward/pkg/steward/llm"
	"github.com/steward-bot/steward/pkg/steward/scheduler"
	"github.com/steward-bot/steward/pkg/steward/storage"
)

// Assistant is the long-running steward process. All mutable state lives
// here; constructors receive it explicitly.
type Assistant struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB
	history    *HistoryStore
	notes      *NoteStore
	jobStore   *jobs.Store
	taskStore  *scheduler.Store
	manager    *channels.Manager
	queue      *Queue
	agent      *Agent
	dispatcher *jobs.Dispatcher
	sched      *scheduler.Scheduler

	// allowed maps channel name to the set of permitted chat ids. A missing
	// entry means no restriction for that channel.
	allowed map[string]map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New wires an assistant from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API.APIKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}

	db, err := storage.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	a := &Assistant{
		cfg:       cfg,
		logger:    logger.With("component", "assistant"),
		db:        db,
		history:   NewHistoryStore(db, logger),
		notes:     NewNoteStore(db, logger),
		jobStore:  jobs.NewStore(db, logger),
		taskStore: scheduler.NewStore(db, logger),
		manager:   channels.NewManager(logger),
		queue:     NewQueue(logger),
		allowed:   buildAllowlist(cfg),
		loopDone:  make(chan struct{}),
	}

	runner := jobs.NewRunner(cfg.Jobs.Command,
		time.Duration(cfg.Jobs.TimeoutSeconds)*time.Second, logger)
	a.dispatcher = jobs.NewDispatcher(a.jobStore, runner, a,
		time.Duration(cfg.Jobs.WatchdogSeconds)*time.Second, logger)

	bashTimeout := time.Duration(cfg.Tools.BashTimeoutSeconds) * time.Second
	executor := NewToolExecutor(bashTimeout, logger)
	registerBuiltinTools(executor, builtinToolDeps{
		Workdir:        cfg.Tools.Workdir,
		Notes:          a.notes,
		Tasks:          a.taskStore,
		Jobs:           a.jobStore,
		KickDispatcher: a.dispatcher.Kick,
	})

	client := llm.NewClient(cfg.API.APIKey, cfg.API.Model, cfg.API.MaxTokens, logger)
	retryCfg := llm.DefaultRetryConfig()
	if cfg.API.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.API.MaxRetries
	}
	completer := llm.WrapWithRetry(client, retryCfg, logger)

	a.agent = NewAgent(completer, executor, a.history, a.notes, AgentConfig{
		Name:          cfg.Name,
		Instructions:  cfg.Instructions,
		Timezone:      cfg.Timezone,
		HistoryTTL:    time.Duration(cfg.History.WindowHours) * time.Hour,
		HistoryMax:    cfg.History.MaxMessages,
		MaxIterations: DefaultMaxIterations,
	}, logger)

	a.sched = scheduler.New(a.taskStore, a,
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second, logger)

	if cfg.Channels.Telegram.Enabled {
		ch := telegram.New(telegram.Config{Token: cfg.Channels.Telegram.Token}, logger)
		if err := a.manager.Register(ch); err != nil {
			db.Close()
			return nil, err
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch := discord.New(discord.Config{Token: cfg.Channels.Discord.Token}, logger)
		if err := a.manager.Register(ch); err != nil {
			db.Close()
			return nil, err
		}
	}

	return a, nil
}

// Start connects channels and launches the dispatcher, scheduler and
// message loop.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.jobStore.WarnStranded()

	if err := a.manager.Start(a.ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	a.dispatcher.Start(a.ctx)
	if a.cfg.Scheduler.Enabled {
		a.sched.Start(a.ctx)
	}

	go a.messageLoop()

	a.logger.Info("assistant started", "name", a.cfg.Name)
	return nil
}

// Stop shuts everything down in dependency order and waits for in-flight
// conversational work.
func (a *Assistant) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop()
	a.dispatcher.Stop()
	a.manager.Stop()
	<-a.loopDone
	a.queue.Wait()
	a.db.Close()
	a.logger.Info("assistant stopped")
}

// RunLocalTurn processes one turn outside any channel, for the local REPL.
func (a *Assistant) RunLocalTurn(ctx context.Context, conversationID, message string) string {
	return a.agent.Run(ctx, conversationID, message)
}

// messageLoop routes every incoming message through the serialization
// queue, so two triggers for the same conversation can never interleave.
func (a *Assistant) messageLoop() {
	defer close(a.loopDone)

	for msg := range a.manager.Messages() {
		if !a.allowedChat(msg) {
			a.logger.Debug("message from unlisted chat ignored",
				"channel", msg.Channel, "chat", msg.ChatID)
			continue
		}

		content, ok := a.relevantContent(msg)
		if !ok {
			continue
		}

		if IsCommand(content) {
			// Chat commands are cheap reads; they bypass the agent and the
			// queue entirely.
			a.sendReply(msg.Channel, msg.ChatID, a.HandleCommand(content))
			continue
		}

		msg := msg
		a.queue.Enqueue(msg.ConversationID(), func() {
			a.handleTurn(msg, content)
		})
	}
}

// relevantContent decides whether the message addresses the assistant and
// returns the content with any trigger prefix stripped. Group chats require
// the trigger keyword; direct messages never do.
func (a *Assistant) relevantContent(msg *channels.IncomingMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if msg.Type == channels.MessagePhoto {
		caption := content
		content = "[The user sent a photo"
		if caption != "" {
			content += " with the caption: " + caption
		}
		content += "]"
		caption = strings.TrimSpace(caption)
		if msg.IsGroup && !hasTrigger(caption, a.cfg.Trigger) {
			return "", false
		}
		return content, true
	}

	if content == "" {
		return "", false
	}
	if msg.IsGroup {
		if !hasTrigger(content, a.cfg.Trigger) {
			return "", false
		}
		content = stripTrigger(content, a.cfg.Trigger)
		if content == "" {
			return "", false
		}
	}
	return content, true
}

// handleTurn runs one queued conversational turn end to end.
func (a *Assistant) handleTurn(msg *channels.IncomingMessage, content string) {
	conversationID := msg.ConversationID()
	a.logger.Info("turn started",
		"conversation", conversationID,
		"from", msg.FromName,
		"kind", string(msg.Type),
	)

	a.manager.SendTyping(a.ctx, msg.Channel, msg.ChatID)

	reply := a.agent.Run(a.ctx, conversationID, content, turnImages(msg)...)
	a.sendReply(msg.Channel, msg.ChatID, reply)
}

// turnImages extracts the downloaded photo, if any, for the model.
func turnImages(msg *channels.IncomingMessage) []llm.ImageAttachment {
	if msg.Type != channels.MessagePhoto || len(msg.PhotoData) == 0 {
		return nil
	}
	return []llm.ImageAttachment{{MediaType: msg.PhotoMime, Data: msg.PhotoData}}
}

// SubmitScheduledTurn routes a due scheduled task's prompt through the same
// serialization queue as user messages.
func (a *Assistant) SubmitScheduledTurn(conversationID, prompt string) {
	channelName, chatID, err := splitConversationID(conversationID)
	if err != nil {
		a.logger.Error("scheduled task has malformed conversation id",
			"conversation", conversationID, "error", err)
		return
	}

	a.queue.Enqueue(conversationID, func() {
		reply := a.agent.Run(a.ctx, conversationID, prompt)
		a.sendReply(channelName, chatID, reply)
	})
}

// Notify delivers a background job outcome: persisted as an assistant turn,
// then sent out-of-band, bypassing the serialization queue. Failures are
// logged and never roll back the job's terminal state.
func (a *Assistant) Notify(conversationID, text string) {
	if err := a.history.Append(conversationID, RoleAssistant, text); err != nil {
		a.logger.Error("notification persist failed",
			"conversation", conversationID, "error", err)
	}

	channelName, chatID, err := splitConversationID(conversationID)
	if err != nil {
		a.logger.Error("notification has malformed conversation id",
			"conversation", conversationID, "error", err)
		return
	}
	a.sendReply(channelName, chatID, text)
}

// sendReply sends text to a chat, best-effort.
func (a *Assistant) sendReply(channelName, chatID, text string) {
	if text == "" {
		return
	}
	err := a.manager.Send(a.ctx, channelName, chatID, &channels.OutgoingMessage{Content: text})
	if err != nil {
		a.logger.Error("reply send failed",
			"channel", channelName,
			"chat", chatID,
			"error", err,
		)
	}
}

func (a *Assistant) allowedChat(msg *channels.IncomingMessage) bool {
	chats, restricted := a.allowed[msg.Channel]
	if !restricted {
		return true
	}
	return chats[msg.ChatID]
}

func buildAllowlist(cfg *config.Config) map[string]map[string]bool {
	allowed := make(map[string]map[string]bool)
	if len(cfg.Channels.Telegram.AllowedChats) > 0 {
		allowed["telegram"] = toSet(cfg.Channels.Telegram.AllowedChats)
	}
	if len(cfg.Channels.Discord.AllowedChats) > 0 {
		allowed["discord"] = toSet(cfg.Channels.Discord.AllowedChats)
	}
	return allowed
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// hasTrigger reports whether content starts with the trigger keyword.
func hasTrigger(content, trigger string) bool {
	if trigger == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(content), strings.ToLower(trigger))
}

// stripTrigger removes the trigger prefix from content.
func stripTrigger(content, trigger string) string {
	if trigger == "" {
		return content
	}
	if hasTrigger(content, trigger) {
		content = content[len(trigger):]
	}
	return strings.TrimSpace(content)
}

// splitConversationID splits "channel:chat" into its parts. Chat ids may
// themselves contain colons, so only the first separator counts.
func splitConversationID(conversationID string) (channelName, chatID string, err error) {
	channelName, chatID, ok := strings.Cut(conversationID, ":")
	if !ok || channelName == "" || chatID == "" {
		return "", "", fmt.Errorf("malformed conversation id %q", conversationID)
	}
	return channelName, chatID, nil
}
