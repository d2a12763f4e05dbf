package worker

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// The two command menus registered with the chat API. Which one a chat sees
// depends on whether its user has a live session.
var (
	noSessionCommands = []tgbotapi.BotCommand{
		{Command: "copilot", Description: "Start a Copilot CLI session"},
		{Command: "claude", Description: "Start a Claude Code session"},
		{Command: "gemini", Description: "Start a Gemini CLI session"},
		{Command: "xterm", Description: "Start a plain shell session"},
		{Command: "audiomode", Description: "Toggle voice transcript handling"},
	}

	sessionCommands = []tgbotapi.BotCommand{
		{Command: "screen", Description: "Screenshot the terminal"},
		{Command: "close", Description: "Close the session"},
		{Command: "enter", Description: "Press Enter"},
		{Command: "esc", Description: "Press Escape"},
		{Command: "tab", Description: "Press Tab"},
		{Command: "arrowup", Description: "Press Arrow Up"},
		{Command: "arrowdown", Description: "Press Arrow Down"},
		{Command: "ctrlc", Description: "Press Ctrl+C"},
		{Command: "urls", Description: "List URLs seen in this session"},
	}
)

// setMenu swaps the chat's command menu between the session and no-session
// sets. Menu failures are cosmetic and only logged.
func (w *Worker) setMenu(chatID int64, inSession bool) {
	commands := noSessionCommands
	if inSession {
		commands = sessionCommands
	}
	scope := tgbotapi.NewBotCommandScopeChat(chatID)
	cfg := tgbotapi.NewSetMyCommandsWithScope(scope, commands...)
	if _, err := w.bot.Request(cfg); err != nil {
		slog.Debug("set command menu failed", "chat_id", chatID, "error", err)
	}
}
