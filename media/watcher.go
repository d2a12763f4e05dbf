// Package media watches a bot's media drop directory and fans new files out
// to every authorised chat user, then archives them under sent/.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Kind classifies a file for the chat API send method.
type Kind string

const (
	KindPhoto     Kind = "photo"
	KindAnimation Kind = "animation"
	KindVideo     Kind = "video"
	KindVoice     Kind = "voice"
	KindAudio     Kind = "audio"
	KindDocument  Kind = "document"
)

// writeGrace gives the producing process a moment to finish writing before
// the file is read.
const writeGrace = 100 * time.Millisecond

// sendRate caps outbound chat sends; the API tolerates roughly 30
// messages/second across all chats.
var sendRate = rate.Limit(20)

// Sender delivers one file to one chat user.
type Sender interface {
	SendFile(ctx context.Context, userID int64, kind Kind, path, caption string) error
}

// Watcher owns one bot's media directory.
type Watcher struct {
	dir     string
	sentDir string
	users   []int64
	sender  Sender
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

// reservedNames are entries in the media dir that are never dispatched.
var reservedNames = map[string]struct{}{
	"sent":     {},
	"received": {},
	"audio":    {},
}

// NewWatcher builds a watcher for dir; files are archived into sentDir.
func NewWatcher(dir, sentDir string, users []int64, sender Sender) *Watcher {
	return &Watcher{
		dir:      dir,
		sentDir:  sentDir,
		users:    users,
		sender:   sender,
		limiter:  rate.NewLimiter(sendRate, 5),
		inflight: make(map[string]struct{}),
	}
}

// EnsureDirs prepares the bot's media tree, optionally deleting leftovers
// from a previous run first.
func EnsureDirs(mediaDir string, clean bool, subdirs ...string) error {
	if clean {
		if err := os.RemoveAll(mediaDir); err != nil {
			return fmt.Errorf("clean media dir: %w", err)
		}
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("create media subdir: %w", err)
		}
	}
	return nil
}

// Run watches until ctx is cancelled. Files already present at startup are
// dispatched once before event processing begins.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create media watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.dispatchExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.maybeDispatch(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			slog.Warn("media watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) dispatchExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Warn("media dir scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		w.maybeDispatch(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// maybeDispatch starts an async dispatch for path unless it is reserved,
// already in flight, or not a regular file.
func (w *Watcher) maybeDispatch(ctx context.Context, path string) {
	name := filepath.Base(path)
	if _, reserved := reservedNames[name]; reserved {
		return
	}
	if strings.HasPrefix(name, ".") {
		return
	}

	w.mu.Lock()
	if _, busy := w.inflight[path]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()
		w.dispatch(ctx, path)
	}()
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	select {
	case <-time.After(writeGrace):
	case <-ctx.Done():
		return
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	kind := Classify(path)
	caption := filepath.Base(path)

	sent := 0
	for _, userID := range w.users {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		if err := w.sender.SendFile(ctx, userID, kind, path, caption); err != nil {
			slog.Warn("media send failed", "file", caption, "user_id", userID, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		slog.Warn("media file delivered to no one, leaving in place", "file", caption)
		return
	}

	if moved, err := MoveToSent(path, w.sentDir); err != nil {
		slog.Error("media archive failed", "file", caption, "error", err)
	} else {
		slog.Info("media dispatched", "file", caption, "recipients", sent, "archived", moved)
	}
}

// Classify maps a filename extension to the chat send method.
func Classify(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return KindPhoto
	case ".gif":
		return KindAnimation
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return KindVideo
	case ".ogg", ".oga", ".opus":
		return KindVoice
	case ".mp3", ".m4a", ".wav", ".flac":
		return KindAudio
	default:
		// .webp and anything unrecognised go out as documents.
		return KindDocument
	}
}

// MoveToSent renames path into sentDir, appending a millisecond timestamp
// before the extension when the name is already taken. Returns the final
// path.
func MoveToSent(path, sentDir string) (string, error) {
	if err := os.MkdirAll(sentDir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(path)
	target := filepath.Join(sentDir, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		target = filepath.Join(sentDir, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixMilli(), ext))
	}

	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}
