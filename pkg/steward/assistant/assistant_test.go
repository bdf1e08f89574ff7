package assistant

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steward-bot/steward/pkg/steward/channels"
	"github.com/steward-bot/steward/pkg/steward/config"
	"github.com/steward-bot/steward/pkg/steward/jobs"
	"github.com/steward-bot/steward/pkg/steward/scheduler"
	"github.com/steward-bot/steward/pkg/steward/storage"
)

func TestTriggerMatching(t *testing.T) {
	tests := []struct {
		name    string
		content string
		trigger string
		match   bool
		rest    string
	}{
		{"exact prefix", "@steward do the thing", "@steward", true, "do the thing"},
		{"case insensitive", "@Steward do it", "@steward", true, "do it"},
		{"no prefix", "hello there", "@steward", false, ""},
		{"prefix mid-sentence", "hey @steward hi", "@steward", false, ""},
		{"empty trigger matches all", "anything", "", true, "anything"},
		{"trigger only", "@steward", "@steward", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hasTrigger(tt.content, tt.trigger)
			if got != tt.match {
				t.Fatalf("hasTrigger(%q, %q) = %v, want %v", tt.content, tt.trigger, got, tt.match)
			}
			if got {
				rest := stripTrigger(tt.content, tt.trigger)
				if rest != tt.rest {
					t.Errorf("stripTrigger = %q, want %q", rest, tt.rest)
				}
			}
		})
	}
}

func TestSplitConversationID(t *testing.T) {
	channelName, chatID, err := splitConversationID("telegram:12345")
	if err != nil {
		t.Fatalf("splitConversationID: %v", err)
	}
	if channelName != "telegram" || chatID != "12345" {
		t.Errorf("got (%q, %q)", channelName, chatID)
	}

	// Chat ids may contain colons themselves.
	_, chatID, err = splitConversationID("discord:guild:room")
	if err != nil {
		t.Fatalf("splitConversationID: %v", err)
	}
	if chatID != "guild:room" {
		t.Errorf("chatID = %q, want %q", chatID, "guild:room")
	}

	for _, bad := range []string{"", "telegram", "telegram:", ":123"} {
		if _, _, err := splitConversationID(bad); err == nil {
			t.Errorf("splitConversationID(%q) should fail", bad)
		}
	}
}

func TestRelevantContent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Trigger = "@steward"
	a := &Assistant{cfg: cfg}

	t.Run("direct message needs no trigger", func(t *testing.T) {
		msg := &channels.IncomingMessage{Content: "hello", Type: channels.MessageText}
		content, ok := a.relevantContent(msg)
		if !ok || content != "hello" {
			t.Fatalf("got (%q, %v)", content, ok)
		}
	})

	t.Run("group message without trigger ignored", func(t *testing.T) {
		msg := &channels.IncomingMessage{Content: "hello", Type: channels.MessageText, IsGroup: true}
		if _, ok := a.relevantContent(msg); ok {
			t.Fatal("expected message to be ignored")
		}
	})

	t.Run("group message with trigger stripped", func(t *testing.T) {
		msg := &channels.IncomingMessage{Content: "@steward remind me", Type: channels.MessageText, IsGroup: true}
		content, ok := a.relevantContent(msg)
		if !ok || content != "remind me" {
			t.Fatalf("got (%q, %v)", content, ok)
		}
	})

	t.Run("empty message ignored", func(t *testing.T) {
		msg := &channels.IncomingMessage{Content: "   ", Type: channels.MessageText}
		if _, ok := a.relevantContent(msg); ok {
			t.Fatal("expected empty message to be ignored")
		}
	})

	t.Run("photo becomes described turn", func(t *testing.T) {
		msg := &channels.IncomingMessage{Content: "our cat", Type: channels.MessagePhoto}
		content, ok := a.relevantContent(msg)
		if !ok {
			t.Fatal("photo should be relevant in a DM")
		}
		if !strings.Contains(content, "photo") || !strings.Contains(content, "our cat") {
			t.Errorf("content = %q", content)
		}
	})

	t.Run("captionless photo still relevant", func(t *testing.T) {
		msg := &channels.IncomingMessage{Type: channels.MessagePhoto}
		content, ok := a.relevantContent(msg)
		if !ok || !strings.Contains(content, "photo") {
			t.Fatalf("got (%q, %v)", content, ok)
		}
	})
}

func TestBuildAllowlist(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.AllowedChats = []string{"1", "2"}
	a := &Assistant{cfg: cfg, allowed: buildAllowlist(cfg)}

	if !a.allowedChat(&channels.IncomingMessage{Channel: "telegram", ChatID: "1"}) {
		t.Error("listed chat should be allowed")
	}
	if a.allowedChat(&channels.IncomingMessage{Channel: "telegram", ChatID: "99"}) {
		t.Error("unlisted chat should be rejected")
	}
	// Channels without an allowlist are unrestricted.
	if !a.allowedChat(&channels.IncomingMessage{Channel: "discord", ChatID: "anything"}) {
		t.Error("unrestricted channel should be allowed")
	}
}

func TestNotifyPersistsBeforeSend(t *testing.T) {
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := testLogger()

	history := NewHistoryStore(db, logger)
	a := &Assistant{
		cfg:     config.DefaultConfig(),
		logger:  logger,
		history: history,
		manager: channels.NewManager(logger),
		ctx:     context.Background(),
	}

	// No channel named "telegram" is registered, so the send must fail.
	// The history row survives it regardless.
	a.Notify("telegram:42", "job finished")

	records, err := history.LoadWindow("telegram:42", time.Hour, 10)
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d history rows, want 1", len(records))
	}
	if records[0].Role != RoleAssistant || records[0].Content != "job finished" {
		t.Errorf("row = %+v, want assistant notification text", records[0])
	}

	// A malformed conversation id never reaches a channel but still lands
	// in history.
	a.Notify("nocolon", "orphaned")
	records, err = history.LoadWindow("nocolon", time.Hour, 10)
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d history rows for malformed id, want 1", len(records))
	}
}

func TestChatCommands(t *testing.T) {
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := testLogger()
	cfg := config.DefaultConfig()

	a := &Assistant{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		jobStore:  jobs.NewStore(db, logger),
		taskStore: scheduler.NewStore(db, logger),
		manager:   channels.NewManager(logger),
		queue:     NewQueue(logger),
	}

	if !IsCommand("/status") || IsCommand("hello /status") {
		t.Fatal("IsCommand misdetects")
	}

	t.Run("help lists commands", func(t *testing.T) {
		out := a.HandleCommand("/help")
		for _, want := range []string{"/status", "/jobs", "/tasks"} {
			if !strings.Contains(out, want) {
				t.Errorf("help output missing %s:\n%s", want, out)
			}
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		out := a.HandleCommand("/frobnicate")
		if !strings.Contains(out, "Unknown command") {
			t.Errorf("got %q", out)
		}
	})

	t.Run("empty job and task lists", func(t *testing.T) {
		if out := a.HandleCommand("/jobs"); !strings.Contains(out, "No background jobs") {
			t.Errorf("got %q", out)
		}
		if out := a.HandleCommand("/tasks"); !strings.Contains(out, "No scheduled tasks") {
			t.Errorf("got %q", out)
		}
	})

	t.Run("jobs and tasks listed after creation", func(t *testing.T) {
		input, err := jobs.EncodeDelegateInput("check the logs")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.jobStore.Enqueue("telegram:1", jobs.KindDelegate, input, "check the logs"); err != nil {
			t.Fatal(err)
		}
		if _, err := a.taskStore.Create("daily", "0 9 * * *", "morning summary", "telegram:1"); err != nil {
			t.Fatal(err)
		}

		if out := a.HandleCommand("/jobs"); !strings.Contains(out, "check the logs") {
			t.Errorf("jobs output missing excerpt:\n%s", out)
		}
		out := a.HandleCommand("/tasks")
		if !strings.Contains(out, "daily") || !strings.Contains(out, "0 9 * * *") {
			t.Errorf("tasks output missing task:\n%s", out)
		}
	})

	t.Run("status reports counts", func(t *testing.T) {
		out := a.HandleCommand("/status")
		if !strings.Contains(out, "1 queued") {
			t.Errorf("status missing job counts:\n%s", out)
		}
	})
}
