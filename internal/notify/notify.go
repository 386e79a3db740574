// Package notify posts swarm completion and failure summaries to a
// Telegram chat and answers a small set of status commands from
// allow-listed operators. The notifier stays inert unless both a bot
// token and a notify chat are configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type Notifier struct {
	bot    *telego.Bot
	store  *store.Store
	swarms *swarm.Manager
	nc     *natsbus.Client
	cfg    config.TelegramConfig
}

// Enabled reports whether the config carries enough to run the notifier.
func Enabled(cfg config.TelegramConfig) bool {
	return cfg.Token != "" && cfg.NotifyChat != 0
}

func New(cfg config.TelegramConfig, s *store.Store, swarms *swarm.Manager, nc *natsbus.Client) (*Notifier, error) {
	if nc == nil {
		return nil, fmt.Errorf("notifier requires the nats bus")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, store: s, swarms: swarms, nc: nc, cfg: cfg}, nil
}

// Start subscribes to swarm events and long-polls Telegram for commands,
// blocking until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.nc.Subscribe(natsbus.TopicEventsSwarm, n.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe swarm events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	updates, err := n.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(n.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		n.handleCommand(ctx, message)
		return nil
	})

	go handler.Start()

	slog.Info("telegram notifier started", "notify_chat", n.cfg.NotifyChat)
	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (n *Notifier) handleEvent(msg *nats.Msg) {
	var ev struct {
		Type    string         `json:"type"`
		SwarmID string         `json:"swarm_id"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}

	text := summarize(ev.Type, ev.SwarmID, ev.Data)
	if text == "" {
		return
	}
	if err := n.SendMessage(context.Background(), n.cfg.NotifyChat, text); err != nil {
		slog.Error("send telegram notification", "chat", n.cfg.NotifyChat, "error", err)
	}
}

// summarize renders a terminal swarm event for Telegram. Returns "" for
// events that do not notify, including operator-initiated cancellation.
func summarize(eventType, swarmID string, data map[string]any) string {
	var head string
	switch eventType {
	case "swarm_completed":
		head = "✅ Swarm %s completed"
	case "swarm_failed":
		head = "❌ Swarm %s failed"
	case "swarm_timeout":
		head = "⏰ Swarm %s timed out"
	default:
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, head, shortID(swarmID))
	if s, ok := data["best_solver"].(string); ok && s != "" {
		fmt.Fprintf(&b, "\nBest: %s", s)
		if obj, ok := eventNumber(data["best_objective"]); ok {
			fmt.Fprintf(&b, ", objective %g", obj)
		}
	}
	if conf, ok := eventNumber(data["confidence"]); ok {
		fmt.Fprintf(&b, "\nConfidence: %.2f", conf)
	}
	if failed := eventList(data["failed_workers"]); len(failed) > 0 {
		fmt.Fprintf(&b, "\nFailed workers: %s", strings.Join(failed, ", "))
	}
	return b.String()
}

func (n *Notifier) handleCommand(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	if !n.allowed(msg.From.ID) {
		slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
		return
	}

	reply := n.commandReply(strings.TrimSpace(msg.Text))
	if reply == "" {
		return
	}
	if err := n.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("send telegram reply", "chat", msg.Chat.ID, "error", err)
	}
}

func (n *Notifier) allowed(userID int64) bool {
	if len(n.cfg.AllowFrom) == 0 {
		return true
	}
	for _, id := range n.cfg.AllowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

const helpText = "Commands:\n/status - active swarms\n/history - recent runs"

func (n *Notifier) commandReply(text string) string {
	cmd := text
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		cmd = cmd[:i]
	}
	// Group chats address commands as /status@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/status":
		return n.statusReply()
	case "/history":
		return n.historyReply()
	case "/help", "/start":
		return helpText
	default:
		return ""
	}
}

func (n *Notifier) statusReply() string {
	ids := n.swarms.ActiveIDs()
	if len(ids) == 0 {
		return "No active swarms."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d active swarm(s):", len(ids))
	for _, id := range ids {
		snap, err := n.swarms.Status(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n%s %s %s %.0f%%", shortID(snap.ID), snap.Pattern, snap.Status, snap.OverallPercent)
	}
	return b.String()
}

func (n *Notifier) historyReply() string {
	runs, err := n.store.ListArchivedSwarmRuns(10)
	if err != nil || len(runs) == 0 {
		return "No archived runs."
	}

	var b strings.Builder
	for i, run := range runs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s %s", shortID(run.ID), run.Pattern, run.Status)
		var best solver.Result
		if len(run.Best) > 0 && json.Unmarshal(run.Best, &best) == nil && best.Solver != "" {
			fmt.Fprintf(&b, " best=%s", best.Solver)
			if best.Objective != nil {
				fmt.Fprintf(&b, " obj=%g", *best.Objective)
			}
		}
	}
	return b.String()
}

// SendMessage delivers text to one chat, split at Telegram's message
// size limit.
func (n *Notifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func eventNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func eventList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
