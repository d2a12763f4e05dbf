// Package worker runs one bot: it subscribes to the bot's update stream,
// routes authorised updates into PTY sessions, renders screenshots back,
// fans out media files, and answers the supervisor over IPC.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/teleterm/internal/ipc"
	"github.com/hrygo/teleterm/internal/profile"
	"github.com/hrygo/teleterm/media"
	"github.com/hrygo/teleterm/render"
	"github.com/hrygo/teleterm/session"
	"github.com/hrygo/teleterm/transcribe"
)

// Worker serves exactly one bot credential.
type Worker struct {
	botID   string
	profile *profile.Profile

	bot         *tgbotapi.BotAPI
	sessions    *session.Manager
	renderer    *render.Renderer
	transcriber transcribe.Transcriber
	startup     *StartupStore

	conn      *ipc.Conn // nil when running without a supervisor
	startTime time.Time

	// audioMode is per-user: false echoes transcripts back, true types
	// them into the active session.
	audioMu   sync.Mutex
	audioMode map[int64]bool

	cancel context.CancelFunc
}

// New connects the bot and assembles the worker's components.
func New(botID string, p *profile.Profile, token string, conn *ipc.Conn) (*Worker, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	slog.Info("worker authorised", "bot_id", botID, "username", bot.Self.UserName)

	renderer, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}

	mediaDir := p.MediaDir(botID)
	if err := media.EnsureDirs(mediaDir, p.CleanMediaOnStart,
		p.SentDir(botID), p.ReceivedDir(botID), p.AudioDir(botID)); err != nil {
		return nil, err
	}

	placeholders := make([]string, profile.PlaceholderCount)
	copy(placeholders, p.Placeholders[:])

	w := &Worker{
		botID:   botID,
		profile: p,
		bot:     bot,
		sessions: session.NewManager(session.Config{
			ShellPath:      p.ShellPath,
			Rows:           p.TerminalRows,
			Cols:           p.TerminalCols,
			MaxOutputLines: p.MaxOutputLines,
			SessionTimeout: p.SessionTimeout,
			MediaDir:       mediaDir,
			Placeholders:   placeholders,
		}),
		renderer:    renderer,
		transcriber: transcribe.New(p),
		startup:     NewStartupStore(p.StartupDir),
		conn:        conn,
		startTime:   time.Now(),
		audioMode:   make(map[int64]bool),
	}
	return w, nil
}

// Run blocks until the context is cancelled or the supervisor orders a
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()
	defer w.sessions.Shutdown()

	if err := w.announceReady(); err != nil {
		return err
	}

	watcher := media.NewWatcher(
		w.profile.MediaDir(w.botID),
		w.profile.SentDir(w.botID),
		w.profile.AllowedUserIDs,
		&telegramFileSender{bot: w.bot},
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := watcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return w.updateLoop(ctx) })
	if w.conn != nil {
		g.Go(func() error { return w.ipcLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// announceReady tells the supervisor the worker is serving and which bot
// identity it resolved.
func (w *Worker) announceReady() error {
	if w.conn == nil {
		return nil
	}
	ready, err := ipc.NewEnvelope(ipc.TypeReady, w.botID, nil)
	if err != nil {
		return err
	}
	if err := w.conn.Send(ready); err != nil {
		return fmt.Errorf("send READY: %w", err)
	}

	info, err := ipc.NewEnvelope(ipc.TypeBotInfo, w.botID, ipc.BotInfoPayload{
		FullName: w.bot.Self.FirstName,
		Username: w.bot.Self.UserName,
	})
	if err == nil {
		_ = w.conn.Send(info)
	}
	return nil
}

// updateLoop consumes the long-poll stream and dispatches each update.
func (w *Worker) updateLoop(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := w.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			w.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			w.dispatch(ctx, update)
		}
	}
}

// ipcLoop answers supervisor control messages. Receive blocks on the pipe,
// so it runs on its own goroutine; the loop itself stays selectable and
// returns promptly on context cancellation.
func (w *Worker) ipcLoop(ctx context.Context) error {
	envs := make(chan ipc.Envelope)
	errs := make(chan error, 1)
	go func() {
		for {
			env, err := w.conn.Receive()
			if err != nil {
				errs <- err
				return
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			// Supervisor went away; shut down with it.
			slog.Warn("ipc channel closed, shutting down", "bot_id", w.botID, "error", err)
			w.cancel()
			return nil
		case env := <-envs:
			switch env.Type {
			case ipc.TypeShutdown:
				slog.Info("shutdown requested by supervisor", "bot_id", w.botID)
				w.cancel()
				return nil
			case ipc.TypeHealthCheck:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				resp, err := ipc.NewEnvelope(ipc.TypeHealthResponse, w.botID, ipc.HealthPayload{
					UptimeSeconds: time.Since(w.startTime).Seconds(),
					MemBytes:      mem.Alloc,
				})
				if err == nil {
					_ = w.conn.Send(resp)
				}
			default:
				slog.Debug("unexpected ipc envelope", "bot_id", w.botID, "type", env.Type)
			}
		}
	}
}

// reportStatus sends a STATUS_UPDATE envelope, e.g. on session churn.
func (w *Worker) reportStatus(status, detail string) {
	if w.conn == nil {
		return
	}
	env, err := ipc.NewEnvelope(ipc.TypeStatusUpdate, w.botID, ipc.StatusPayload{
		Status: status,
		Detail: detail,
	})
	if err == nil {
		_ = w.conn.Send(env)
	}
}

// reportError forwards a worker-side fault to the supervisor log stream.
func (w *Worker) reportError(msg string, err error) {
	slog.Error(msg, "bot_id", w.botID, "error", err)
	if w.conn == nil {
		return
	}
	env, mkErr := ipc.NewEnvelope(ipc.TypeError, w.botID, ipc.LogPayload{
		Level:   "error",
		Message: fmt.Sprintf("%s: %v", msg, err),
	})
	if mkErr == nil {
		_ = w.conn.Send(env)
	}
}

// exitSoon flushes pending chat sends, then terminates the process. Exit
// code zero keeps the supervisor from treating this as a crash.
func (w *Worker) exitSoon(code int, reason string) {
	slog.Warn("worker exiting", "bot_id", w.botID, "code", code, "reason", reason)
	if w.conn != nil {
		env, err := ipc.NewEnvelope(ipc.TypeLogMessage, w.botID, ipc.LogPayload{
			Level:   "warn",
			Message: "worker exiting: " + reason,
		})
		if err == nil {
			_ = w.conn.Send(env)
		}
	}
	go func() {
		time.Sleep(1 * time.Second)
		os.Exit(code)
	}()
}

func (w *Worker) audioModeTypes(userID int64) bool {
	w.audioMu.Lock()
	defer w.audioMu.Unlock()
	return w.audioMode[userID]
}

func (w *Worker) toggleAudioMode(userID int64) bool {
	w.audioMu.Lock()
	defer w.audioMu.Unlock()
	w.audioMode[userID] = !w.audioMode[userID]
	return w.audioMode[userID]
}
