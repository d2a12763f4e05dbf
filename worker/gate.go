package worker

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// authorize enforces the allowed-user list before any handler runs. It
// returns the user id and true when the update may proceed; otherwise it
// replies to the sender and, under AUTO_KILL, schedules the worker's exit.
func (w *Worker) authorize(update tgbotapi.Update) (int64, bool) {
	var userID, chatID int64
	switch {
	case update.Message != nil && update.Message.From != nil:
		userID = update.Message.From.ID
		chatID = update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		userID = update.CallbackQuery.From.ID
		if update.CallbackQuery.Message != nil {
			chatID = update.CallbackQuery.Message.Chat.ID
		}
	}

	if userID == 0 {
		if chatID != 0 {
			_, _ = w.sendText(chatID, "Unable to identify you; access denied.")
		}
		return 0, false
	}
	if w.profile.IsAllowed(userID) {
		return userID, true
	}

	if chatID == 0 {
		chatID = userID
	}
	if w.profile.AutoKill {
		_, _ = w.sendText(chatID, "Unauthorised access detected; this bot is shutting down.")
		// Exit code zero so the supervisor does not respawn a bot that a
		// stranger has found.
		w.exitSoon(0, fmt.Sprintf("auto-kill triggered by user %d", userID))
		return userID, false
	}
	_, _ = w.sendText(chatID, fmt.Sprintf("Access denied. Your user id is %d.", userID))
	return userID, false
}
