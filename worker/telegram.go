package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/teleterm/media"
	"github.com/hrygo/teleterm/session"
)

// callbackTextLimit is the chat API's cap for callback answers; longer
// texts are rejected outright, so everything is pre-truncated.
const callbackTextLimit = 190

// telegramFileSender adapts the bot API to the media watcher's fan-out.
type telegramFileSender struct {
	bot *tgbotapi.BotAPI
}

func (t *telegramFileSender) SendFile(_ context.Context, userID int64, kind media.Kind, path, caption string) error {
	file := tgbotapi.FilePath(path)

	var msg tgbotapi.Chattable
	switch kind {
	case media.KindPhoto:
		photo := tgbotapi.NewPhoto(userID, file)
		photo.Caption = caption
		msg = photo
	case media.KindAnimation:
		anim := tgbotapi.NewAnimation(userID, file)
		anim.Caption = caption
		msg = anim
	case media.KindVideo:
		video := tgbotapi.NewVideo(userID, file)
		video.Caption = caption
		msg = video
	case media.KindVoice:
		voice := tgbotapi.NewVoice(userID, file)
		voice.Caption = caption
		msg = voice
	case media.KindAudio:
		audio := tgbotapi.NewAudio(userID, file)
		audio.Caption = caption
		msg = audio
	default:
		doc := tgbotapi.NewDocument(userID, file)
		doc.Caption = caption
		msg = doc
	}

	_, err := t.bot.Send(msg)
	return err
}

// sendText sends a plain message and returns its id.
func (w *Worker) sendText(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := w.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// sendEphemeral sends a transient confirmation that is deleted after the
// configured timeout. Timeout zero leaves the message in place.
func (w *Worker) sendEphemeral(chatID int64, text string) {
	msgID, err := w.sendText(chatID, text)
	if err != nil {
		slog.Debug("ephemeral send failed", "chat_id", chatID, "error", err)
		return
	}
	w.deleteLater(chatID, msgID, nil)
}

// deleteLater schedules a message delete after MessageDeleteTimeout. When a
// session is given the timer dies with it.
func (w *Worker) deleteLater(chatID int64, messageID int, s *session.Session) {
	timeout := w.profile.MessageDeleteTimeout
	if timeout <= 0 {
		return
	}
	fn := func() {
		// Already-gone messages 404; that is fine.
		_, _ = w.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	}
	if s != nil {
		s.AfterFunc(timeout, fn)
	} else {
		time.AfterFunc(timeout, fn)
	}
}

// answerCallback acknowledges a callback query within the API's limits,
// falling back to an empty ack when the text is rejected.
func (w *Worker) answerCallback(callbackID, text string) {
	if len(text) > callbackTextLimit {
		text = text[:callbackTextLimit-3] + "..."
	}
	if _, err := w.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		_, _ = w.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	}
}

// screenshotKeyboard is attached to every screenshot message.
func screenshotKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄", "refresh_screen"),
			tgbotapi.NewInlineKeyboardButtonData("1", "num_1"),
			tgbotapi.NewInlineKeyboardButtonData("2", "num_2"),
			tgbotapi.NewInlineKeyboardButtonData("3", "num_3"),
			tgbotapi.NewInlineKeyboardButtonData("Esc", "key_esc"),
		),
	)
}

// sendScreenshot renders the session's current buffer and posts it as a
// fresh photo, recording the message id for later edits. It takes the
// session's screenshot-edit lock so it cannot race a refresh tick.
func (w *Worker) sendScreenshot(s *session.Session) error {
	return s.ExclusiveScreenshot(func() error {
		return w.sendScreenshotLocked(s)
	})
}

// sendScreenshotLocked is sendScreenshot minus the lock, for callers that
// already hold it.
func (w *Worker) sendScreenshotLocked(s *session.Session) error {
	chunks, rows, cols := s.Snapshot()
	hash := session.HashChunks(chunks)

	png, err := w.renderer.Render(chunks, rows, cols, w.profile.FontSize)
	if err != nil {
		return fmt.Errorf("render screenshot: %w", err)
	}

	photo := tgbotapi.NewPhoto(s.ChatID, tgbotapi.FileBytes{Name: "screen.png", Bytes: png})
	photo.ReplyMarkup = screenshotKeyboard()
	sent, err := w.bot.Send(photo)
	if err != nil {
		return fmt.Errorf("send screenshot: %w", err)
	}

	s.SetScreenshot(sent.MessageID, hash)
	return nil
}

// editScreenshot replaces the media of an existing screenshot message.
func (w *Worker) editScreenshot(s *session.Session, chunks [][]byte, rows, cols int) error {
	msgID, _ := s.Screenshot()
	if msgID == 0 {
		return w.sendScreenshotLocked(s)
	}

	png, err := w.renderer.Render(chunks, rows, cols, w.profile.FontSize)
	if err != nil {
		return fmt.Errorf("render screenshot: %w", err)
	}

	edit := tgbotapi.EditMessageMediaConfig{
		BaseEdit: tgbotapi.BaseEdit{
			ChatID:      s.ChatID,
			MessageID:   msgID,
			ReplyMarkup: func() *tgbotapi.InlineKeyboardMarkup { kb := screenshotKeyboard(); return &kb }(),
		},
		Media: tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: "screen.png", Bytes: png}),
	}
	if _, err := w.bot.Request(edit); err != nil {
		// "message is not modified" is expected when pixels end up equal.
		if strings.Contains(err.Error(), "not modified") {
			return nil
		}
		return fmt.Errorf("edit screenshot: %w", err)
	}
	return nil
}

// refreshSink builds the sink both the auto-refresh loop and immediate
// refreshes push edits through. The session serialises invocations, so
// editScreenshot never runs concurrently for one session.
func (w *Worker) refreshSink(s *session.Session) session.RefreshSink {
	return func(chunks [][]byte, rows, cols int, hash string) error {
		return w.editScreenshot(s, chunks, rows, cols)
	}
}

// requestRefresh (re)starts the bounded auto-refresh loop for a session.
func (w *Worker) requestRefresh(s *session.Session) {
	s.StartAutoRefresh(w.profile.ScreenRefreshInterval, w.profile.ScreenRefreshMax, w.refreshSink(s))
}
