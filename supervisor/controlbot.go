package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/teleterm/internal/profile"
	"github.com/hrygo/teleterm/internal/version"
)

// callbackTextLimit caps callback-answer text; the chat API rejects longer.
const callbackTextLimit = 190

// ControlBot is the admin chat interface to the supervisor.
type ControlBot struct {
	bot       *tgbotapi.BotAPI
	sup       *Supervisor
	startTime time.Time
}

func NewControlBot(token string, sup *Supervisor) (*ControlBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect control bot: %w", err)
	}
	slog.Info("control bot authorised", "username", bot.Self.UserName)
	return &ControlBot{bot: bot, sup: sup, startTime: time.Now()}, nil
}

// Run consumes the control bot's update stream until the context ends.
func (c *ControlBot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.handle(update)
		}
	}
}

// handle gates the update against the control admin list and routes it.
func (c *ControlBot) handle(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		userID := update.CallbackQuery.From.ID
		if !c.sup.profile.IsControlAdmin(userID) {
			c.answer(update.CallbackQuery.ID, "Not authorised.")
			return
		}
		c.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		userID := update.Message.From.ID
		chatID := update.Message.Chat.ID
		if !c.sup.profile.IsControlAdmin(userID) {
			c.reply(chatID, fmt.Sprintf("Not authorised. Your user id is %d.", userID))
			return
		}
		c.handleCommand(chatID, update.Message.Text)
	}
}

func (c *ControlBot) handleCommand(chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	command := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch command {
	case "status":
		c.sendStatus(chatID)
	case "start", "stop", "restart", "health", "logs":
		if len(args) != 1 {
			c.reply(chatID, fmt.Sprintf("Usage: /%s <bot-id>", command))
			return
		}
		c.perBotCommand(chatID, command, args[0])
	case "startall":
		c.sup.StartAll()
		c.reply(chatID, "Started all stopped workers.")
	case "stopall":
		c.sup.StopAll()
		c.reply(chatID, "Stopped all workers.")
	case "restartall":
		c.sup.RestartAll()
		c.reply(chatID, "Restarted all workers.")
	case "addbot":
		if len(args) != 1 {
			c.reply(chatID, "Usage: /addbot <token>")
			return
		}
		c.addBot(chatID, args[0])
	case "removebot":
		if len(args) != 1 {
			c.reply(chatID, "Usage: /removebot <bot-id>")
			return
		}
		if err := c.sup.RemoveBot(args[0]); err != nil {
			c.reply(chatID, fmt.Sprintf("Remove failed: %v", err))
			return
		}
		c.reply(chatID, fmt.Sprintf("Removed %s and persisted the token list.", args[0]))
	case "reload":
		if err := c.sup.Reload(); err != nil {
			c.reply(chatID, fmt.Sprintf("Reload failed: %v", err))
			return
		}
		c.reply(chatID, "Reloaded tokens and reconciled the fleet.")
	case "uptime":
		c.reply(chatID, fmt.Sprintf("Supervisor %s, up %s.",
			version.String(), time.Since(c.startTime).Round(time.Second)))
	case "shutdown":
		c.reply(chatID, "Shutting the supervisor down.")
		c.sup.RequestShutdown()
	case "help":
		c.reply(chatID, helpText)
	default:
		c.reply(chatID, fmt.Sprintf("Unknown command /%s. Try /help.", command))
	}
}

const helpText = `Supervisor commands:
/status - fleet overview with per-bot buttons
/start <bot-id> - start a stopped worker
/stop <bot-id> - stop a worker
/restart <bot-id> - restart a worker
/startall /stopall /restartall - fleet-wide
/health <bot-id> - IPC health probe
/logs <bot-id> - last stdio lines
/addbot <token> - validate, start and persist a new bot
/removebot <bot-id> - stop and unpersist a bot
/reload - re-read the env file and reconcile
/uptime - supervisor version and uptime
/shutdown - stop everything and exit`

func (c *ControlBot) perBotCommand(chatID int64, command, botID string) {
	switch command {
	case "start":
		s := c.sup
		s.mu.Lock()
		p, ok := s.workers[botID]
		s.mu.Unlock()
		if !ok {
			c.reply(chatID, fmt.Sprintf("Unknown worker %s.", botID))
			return
		}
		if err := s.StartBot(botID, p.token); err != nil {
			c.reply(chatID, fmt.Sprintf("Start failed: %v", err))
			return
		}
		c.reply(chatID, fmt.Sprintf("%s is running.", botID))
	case "stop":
		if err := c.sup.StopBot(botID); err != nil {
			c.reply(chatID, fmt.Sprintf("Stop failed: %v", err))
			return
		}
		c.reply(chatID, fmt.Sprintf("%s stopped.", botID))
	case "restart":
		if err := c.sup.RestartBot(botID); err != nil {
			c.reply(chatID, fmt.Sprintf("Restart failed: %v", err))
			return
		}
		c.reply(chatID, fmt.Sprintf("%s restarted.", botID))
	case "health":
		if health, ok := c.sup.HealthCheck(botID); ok {
			c.reply(chatID, fmt.Sprintf("%s healthy: up %.0fs, %d KiB heap.",
				botID, health.UptimeSeconds, health.MemBytes/1024))
		} else {
			c.reply(chatID, fmt.Sprintf("%s did not answer the health probe.", botID))
		}
	case "logs":
		lines, err := c.sup.Logs(botID)
		if err != nil {
			c.reply(chatID, fmt.Sprintf("Logs failed: %v", err))
			return
		}
		if len(lines) == 0 {
			c.reply(chatID, fmt.Sprintf("No buffered output for %s.", botID))
			return
		}
		// One message, trimmed to the most recent lines that fit.
		const budget = 3500
		text := strings.Join(lines, "\n")
		if len(text) > budget {
			text = text[len(text)-budget:]
		}
		c.reply(chatID, text)
	}
}

func (c *ControlBot) addBot(chatID int64, token string) {
	// Validate against the chat API before touching the fleet or the env
	// file.
	probe, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Token rejected by the chat API: %v", err))
		return
	}
	probe.StopReceivingUpdates()

	botID, err := c.sup.AddBot(token)
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Could not start the new worker: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Added @%s as %s and persisted the token list.",
		probe.Self.UserName, botID))
}

// sendStatus posts one line per worker plus an inline keyboard of per-bot
// actions.
func (c *ControlBot) sendStatus(chatID int64) {
	infos := c.sup.Workers()
	if len(infos) == 0 {
		c.reply(chatID, "No workers configured.")
		return
	}

	var sb strings.Builder
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, info := range infos {
		fmt.Fprintf(&sb, "%s %s @%s (%s)", statusIcon(info.Status), info.BotID,
			info.Username, info.MaskedToken)
		if info.Status == StatusRunning {
			fmt.Fprintf(&sb, " pid %d, up %s", info.PID, info.Uptime.Round(time.Second))
		}
		if info.LastError != "" {
			fmt.Fprintf(&sb, "\n    last error: %s", info.LastError)
		}
		sb.WriteByte('\n')

		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("▶️ "+info.BotID, "start:"+info.BotID),
			tgbotapi.NewInlineKeyboardButtonData("⏹", "stop:"+info.BotID),
			tgbotapi.NewInlineKeyboardButtonData("🔄", "restart:"+info.BotID),
			tgbotapi.NewInlineKeyboardButtonData("❤️", "health:"+info.BotID),
		))
	}

	msg := tgbotapi.NewMessage(chatID, sb.String())
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := c.bot.Send(msg); err != nil {
		slog.Warn("status send failed", "error", err)
	}
}

func statusIcon(s Status) string {
	switch s {
	case StatusRunning:
		return "🟢"
	case StatusStarting, StatusStopping:
		return "🟡"
	case StatusError:
		return "🔴"
	default:
		return "⚪"
	}
}

// handleCallback mirrors the per-bot commands behind the /status buttons.
func (c *ControlBot) handleCallback(cb *tgbotapi.CallbackQuery) {
	action, botID, ok := strings.Cut(cb.Data, ":")
	if !ok {
		c.answer(cb.ID, "")
		return
	}

	switch action {
	case "start":
		s := c.sup
		s.mu.Lock()
		p, found := s.workers[botID]
		s.mu.Unlock()
		if !found {
			c.answer(cb.ID, "Unknown worker.")
			return
		}
		if err := s.StartBot(botID, p.token); err != nil {
			c.answer(cb.ID, fmt.Sprintf("Start failed: %v", err))
			return
		}
		c.answer(cb.ID, botID+" running.")
	case "stop":
		if err := c.sup.StopBot(botID); err != nil {
			c.answer(cb.ID, fmt.Sprintf("Stop failed: %v", err))
			return
		}
		c.answer(cb.ID, botID+" stopped.")
	case "restart":
		if err := c.sup.RestartBot(botID); err != nil {
			c.answer(cb.ID, fmt.Sprintf("Restart failed: %v", err))
			return
		}
		c.answer(cb.ID, botID+" restarted.")
	case "health":
		if health, ok := c.sup.HealthCheck(botID); ok {
			c.answer(cb.ID, fmt.Sprintf("%s healthy, up %.0fs.", botID, health.UptimeSeconds))
		} else {
			c.answer(cb.ID, botID+" did not answer.")
		}
	default:
		c.answer(cb.ID, "")
	}

	// Refresh the status board the button lives under.
	if cb.Message != nil {
		c.sendStatus(cb.Message.Chat.ID)
	}
}

func (c *ControlBot) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Warn("control reply failed", "error", err)
	}
}

func (c *ControlBot) answer(callbackID, text string) {
	if len(text) > callbackTextLimit {
		text = text[:callbackTextLimit-3] + "..."
	}
	if _, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		_, _ = c.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	}
}

// maskedSummary is used in startup logging.
func maskedSummary(tokens []string) string {
	masked := make([]string, len(tokens))
	for i, t := range tokens {
		masked[i] = profile.MaskToken(t)
	}
	return strings.Join(masked, ", ")
}
