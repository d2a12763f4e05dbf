package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/hrygo/teleterm/internal/keymap"
	"github.com/hrygo/teleterm/session"
	"github.com/hrygo/teleterm/transcribe"
)

// assistantCommands maps session-opening commands to the CLI binary typed
// into the fresh shell. /xterm opens a bare shell and types nothing.
var assistantCommands = map[string]string{
	"copilot": "copilot",
	"claude":  "claude",
	"gemini":  "gemini",
	"xterm":   "",
}

const (
	// sessionWarmup is how long a fresh shell gets before the first
	// screenshot.
	sessionWarmup = 2 * time.Second
	// startupPromptDelay is the pause before a persisted copilot prompt is
	// typed into the new session.
	startupPromptDelay = 3 * time.Second
	// textEnterDelay separates typed text from the Enter that submits it, so
	// TUI apps see them as distinct inputs.
	textEnterDelay = 50 * time.Millisecond
)

// dispatch routes one authorised update. Handler faults never propagate: each
// branch reports to the user and returns.
func (w *Worker) dispatch(ctx context.Context, update tgbotapi.Update) {
	userID, ok := w.authorize(update)
	if !ok {
		return
	}

	switch {
	case update.CallbackQuery != nil:
		w.handleCallback(userID, update.CallbackQuery)
	case update.Message != nil:
		w.handleMessage(ctx, userID, update.Message)
	}
}

func (w *Worker) handleMessage(ctx context.Context, userID int64, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if msg.Voice != nil || msg.Audio != nil {
		w.handleVoice(ctx, userID, msg)
		return
	}
	if msg.Text == "" {
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		w.handleCommand(userID, chatID, msg.Text)
		return
	}
	w.handleText(userID, chatID, msg.Text)
}

func (w *Worker) handleCommand(userID, chatID int64, text string) {
	fields := strings.Fields(text)
	command := strings.TrimPrefix(fields[0], "/")
	// Group chats suffix commands with @botname.
	command, _, _ = strings.Cut(command, "@")
	args := fields[1:]

	if _, isOpen := assistantCommands[command]; isOpen {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		w.openSession(userID, chatID, command, dir)
		return
	}

	switch command {
	case "close":
		w.closeSession(userID, chatID)
	case "screen":
		w.screenCommand(userID, chatID)
	case "urls":
		w.urlsCommand(userID, chatID)
	case "audiomode":
		if w.toggleAudioMode(userID) {
			w.sendEphemeral(chatID, "Voice messages are now typed into your session.")
		} else {
			w.sendEphemeral(chatID, "Voice messages are now echoed back as text.")
		}
	case "prompt":
		w.promptCommand(chatID, strings.TrimSpace(strings.TrimPrefix(text, "/prompt")))
	case "killbot":
		_, _ = w.sendText(chatID, "Shutting down this bot.")
		w.exitSoon(0, fmt.Sprintf("killbot by user %d", userID))
	case "ctrl":
		if len(args) != 1 || len(args[0]) != 1 {
			w.sendEphemeral(chatID, "Usage: /ctrl <single character>")
			return
		}
		b, err := keymap.Ctrl(args[0][0])
		if err != nil {
			w.sendEphemeral(chatID, fmt.Sprintf("No Ctrl mapping for %q.", args[0]))
			return
		}
		w.writeKey(userID, chatID, []byte{b})
	case "1", "2", "3", "4", "5":
		w.writeKey(userID, chatID, []byte(command))
	default:
		if seq, ok := keymap.SpecialKey(command); ok {
			w.writeKey(userID, chatID, seq)
			return
		}
		w.sendEphemeral(chatID, fmt.Sprintf("Unknown command /%s.", command))
	}
}

// handleText types a plain message into the session: optional leading-dot
// escape, placeholder expansion, then the text and a deferred Enter.
func (w *Worker) handleText(userID, chatID int64, text string) {
	s, ok := w.sessions.Get(userID)
	if !ok {
		w.sendEphemeral(chatID, "No active session. Start one with /xterm, /copilot, /claude or /gemini.")
		return
	}

	text = strings.TrimPrefix(text, ".")
	text = w.sessions.Substitutor().Apply(text)

	if err := s.WriteRaw([]byte(text)); err != nil {
		w.reportError("session write failed", err)
		w.sendEphemeral(chatID, "Could not write to the terminal.")
		return
	}
	time.Sleep(textEnterDelay)
	if err := s.WriteRaw([]byte("\r")); err != nil {
		w.reportError("session write failed", err)
		return
	}
	w.requestRefresh(s)
}

// writeKey sends raw key bytes and kicks a refresh so the user sees the
// effect.
func (w *Worker) writeKey(userID, chatID int64, seq []byte) {
	s, ok := w.sessions.Get(userID)
	if !ok {
		w.sendEphemeral(chatID, "No active session.")
		return
	}
	if err := s.WriteRaw(seq); err != nil {
		w.reportError("session write failed", err)
		w.sendEphemeral(chatID, "Could not write to the terminal.")
		return
	}
	w.requestRefresh(s)
}

// dirUnsafeChars are shell metacharacters rejected in /xterm arguments.
const dirUnsafeChars = ";&|`$()"

// sanitizeDir validates a user-supplied working directory. Empty input is
// allowed and means the default.
func sanitizeDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if strings.ContainsAny(dir, dirUnsafeChars) {
		return "", errors.New("directory contains shell metacharacters")
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("not an existing directory: %s", dir)
	}
	return dir, nil
}

func (w *Worker) openSession(userID, chatID int64, assistant, dir string) {
	dir, err := sanitizeDir(dir)
	if err != nil {
		w.sendEphemeral(chatID, fmt.Sprintf("Rejected directory: %v", err))
		return
	}

	s, err := w.sessions.Create(userID, chatID, dir, w.sessionCallbacks(userID, chatID))
	if errors.Is(err, session.ErrSessionExists) {
		w.sendEphemeral(chatID, "You already have a session here. /close it first.")
		return
	}
	if err != nil {
		w.reportError("session spawn failed", err)
		_, _ = w.sendText(chatID, "Could not start the terminal session.")
		return
	}

	w.setMenu(chatID, true)
	if cmd := assistantCommands[assistant]; cmd != "" {
		if err := s.Write(cmd, true); err != nil {
			w.reportError("assistant launch failed", err)
		}
	}

	if assistant == "copilot" {
		w.scheduleStartupPrompt(s, assistant)
	}

	// First screenshot once the shell (and assistant banner) settled.
	s.AfterFunc(sessionWarmup, func() {
		if err := w.sendScreenshot(s); err != nil {
			w.reportError("initial screenshot failed", err)
		}
	})

	slog.Info("session opened", "bot_id", w.botID, "user_id", userID, "assistant", assistant)
	w.reportStatus("session_open", fmt.Sprintf("%s for user %d", assistant, userID))
}

// sessionCallbacks builds the output observers for a new session. They fire
// on the PTY reader goroutine, possibly before Create returns, so they
// resolve the session by user id instead of closing over the return value,
// and anything that may block on the network hands off to its own goroutine.
func (w *Worker) sessionCallbacks(userID, chatID int64) session.Callbacks {
	lookup := func() (*session.Session, bool) { return w.sessions.Get(userID) }
	return session.Callbacks{
		OnBell: func() {
			go func() {
				s, ok := lookup()
				if !ok {
					return
				}
				// One immediate hashed edit, then the bounded loop picks up
				// whatever the bell's aftermath draws.
				if err := s.RefreshNow(w.refreshSink(s)); err != nil {
					w.reportError("bell refresh failed", err)
				}
				w.requestRefresh(s)
			}()
		},
		OnConfirmationPrompt: func() {
			go func() {
				s, ok := lookup()
				if !ok {
					return
				}
				msgID, err := w.sendText(chatID, "The assistant is waiting for a choice. Reply /1../5, or use the buttons under the screenshot.")
				if err == nil {
					w.deleteLater(chatID, msgID, s)
				}
				w.requestRefresh(s)
			}()
		},
		OnURLDiscovered: func(url string) {
			go func() {
				s, ok := lookup()
				if !ok {
					return
				}
				msgID, err := w.sendText(chatID, url)
				if err == nil {
					w.deleteLater(chatID, msgID, s)
				}
			}()
		},
		OnBufferingEnded: func() {
			go func() {
				if s, ok := lookup(); ok {
					w.requestRefresh(s)
				}
			}()
		},
	}
}

// scheduleStartupPrompt types the persisted warm-up prompt into a fresh
// assistant session after its banner has had time to draw.
func (w *Worker) scheduleStartupPrompt(s *session.Session, assistant string) {
	prompt, err := w.startup.Load(assistant, w.botID)
	if err != nil {
		slog.Warn("startup prompt unreadable", "bot_id", w.botID, "assistant", assistant, "error", err)
		return
	}
	if prompt == "" {
		return
	}
	s.AfterFunc(startupPromptDelay, func() {
		if err := s.Write(prompt, true); err != nil {
			w.reportError("startup prompt write failed", err)
		}
	})
}

func (w *Worker) closeSession(userID, chatID int64) {
	if err := w.sessions.Close(userID); errors.Is(err, session.ErrSessionNotFound) {
		w.sendEphemeral(chatID, "No session to close.")
		return
	}
	w.setMenu(chatID, false)
	w.sendEphemeral(chatID, "Session closed.")
	w.reportStatus("session_close", fmt.Sprintf("user %d", userID))
}

func (w *Worker) screenCommand(userID, chatID int64) {
	s, ok := w.sessions.Get(userID)
	if !ok {
		w.sendEphemeral(chatID, "No active session.")
		return
	}
	if err := w.sendScreenshot(s); err != nil {
		w.reportError("screenshot failed", err)
		w.sendEphemeral(chatID, "Could not render the screen.")
	}
}

func (w *Worker) urlsCommand(userID, chatID int64) {
	s, ok := w.sessions.Get(userID)
	if !ok {
		w.sendEphemeral(chatID, "No active session.")
		return
	}
	urls := s.DiscoveredURLs()
	if len(urls) == 0 {
		w.sendEphemeral(chatID, "No URLs seen in this session yet.")
		return
	}
	_, _ = w.sendText(chatID, strings.Join(urls, "\n"))
}

// promptCommand persists (or clears) the copilot startup prompt for this bot.
func (w *Worker) promptCommand(chatID int64, prompt string) {
	if err := w.startup.Save("copilot", w.botID, prompt); err != nil {
		w.reportError("startup prompt save failed", err)
		w.sendEphemeral(chatID, "Could not save the startup prompt.")
		return
	}
	if prompt == "" {
		w.sendEphemeral(chatID, "Startup prompt cleared.")
	} else {
		w.sendEphemeral(chatID, "Startup prompt saved for /copilot sessions.")
	}
}

func (w *Worker) handleCallback(userID int64, cb *tgbotapi.CallbackQuery) {
	chatID := userID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}

	s, ok := w.sessions.Get(userID)
	if !ok {
		w.answerCallback(cb.ID, "No active session.")
		return
	}

	switch cb.Data {
	case "refresh_screen":
		if err := s.RefreshNow(w.refreshSink(s)); err != nil {
			w.reportError("callback refresh failed", err)
			w.answerCallback(cb.ID, "Refresh failed.")
			return
		}
		w.answerCallback(cb.ID, "Refreshed.")
	case "num_1", "num_2", "num_3":
		digit := strings.TrimPrefix(cb.Data, "num_")
		if err := s.WriteRaw([]byte(digit)); err != nil {
			w.answerCallback(cb.ID, "Write failed.")
			return
		}
		w.requestRefresh(s)
		w.answerCallback(cb.ID, digit)
	case "key_esc":
		if err := s.WriteRaw(keymap.Esc); err != nil {
			w.answerCallback(cb.ID, "Write failed.")
			return
		}
		w.requestRefresh(s)
		w.answerCallback(cb.ID, "Esc")
	default:
		w.answerCallback(cb.ID, "")
		slog.Debug("unknown callback", "chat_id", chatID, "data", cb.Data)
	}
}

// handleVoice downloads the audio, transcribes it, and either echoes the
// transcript or types it into the active session depending on /audiomode.
func (w *Worker) handleVoice(ctx context.Context, userID int64, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if w.transcriber == nil {
		w.sendEphemeral(chatID, transcribe.UserMessage(transcribe.ErrNoAPIKey))
		return
	}

	fileID, name := voiceFile(msg)
	path, err := w.downloadAudio(ctx, fileID, name)
	if err != nil {
		w.reportError("voice download failed", err)
		w.sendEphemeral(chatID, transcribe.UserMessage(transcribe.ErrDownloadFailed))
		return
	}
	defer os.Remove(path)

	text, err := w.transcriber.Transcribe(ctx, path)
	if err != nil {
		w.reportError("transcription failed", err)
		w.sendEphemeral(chatID, transcribe.UserMessage(err))
		return
	}
	if text == "" {
		w.sendEphemeral(chatID, "The recording contained no recognisable speech.")
		return
	}

	if w.audioModeTypes(userID) {
		if s, ok := w.sessions.Get(userID); ok {
			if err := s.Write(text, true); err != nil {
				w.reportError("session write failed", err)
				return
			}
			w.requestRefresh(s)
			return
		}
		w.sendEphemeral(chatID, "No active session; transcript follows.")
	}
	_, _ = w.sendText(chatID, fmt.Sprintf("🎤 %s", text))
}

// voiceFile picks the file id and a local filename for a voice or audio
// message.
func voiceFile(msg *tgbotapi.Message) (fileID, name string) {
	if msg.Voice != nil {
		return msg.Voice.FileID, msg.Voice.FileID + ".ogg"
	}
	name = msg.Audio.FileName
	if name == "" {
		name = msg.Audio.FileID + ".mp3"
	}
	return msg.Audio.FileID, name
}

// downloadAudio fetches a chat-API file into the per-bot audio scratch dir.
func (w *Worker) downloadAudio(ctx context.Context, fileID, name string) (string, error) {
	file, err := w.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(w.bot.Token), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file download: status %d", resp.StatusCode)
	}

	// Unique scratch name so concurrent downloads never clobber each other;
	// the original extension is kept for the format check.
	path := filepath.Join(w.profile.AudioDir(w.botID), uuid.NewString()+filepath.Ext(name))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
