package session

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// RefreshSink renders a snapshot and pushes it to the chat, typically by
// editing the session's screenshot message. Called at most once per tick,
// never concurrently for the same session.
type RefreshSink func(chunks [][]byte, rows, cols int, hash string) error

// HashChunks digests a snapshot the same way Session.BufferHash does.
func HashChunks(chunks [][]byte) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// refresher is one run of the auto-refresh loop.
type refresher struct {
	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

// stop cancels the loop and waits for it to finish, so the loop cannot tick
// again after stop returns.
func (r *refresher) stop() {
	r.cancelOnce.Do(func() { close(r.cancel) })
	<-r.done
}

// StartAutoRefresh begins a bounded screenshot refresh loop. A loop already
// running for the session is cancelled and replaced, never stacked. The
// first tick fires after one interval; ticks that observe an unchanged
// buffer hash skip the sink entirely.
func (s *Session) StartAutoRefresh(interval time.Duration, maxTicks int, sink RefreshSink) {
	if interval <= 0 || maxTicks <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.refresh
	r := &refresher{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.refresh = r
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}

	go s.refreshLoop(r, interval, maxTicks, sink)
}

// RefreshNow performs one immediate hashed edit outside the ticker, fully
// serialised with the loop's ticks. Unchanged buffers skip the sink.
func (s *Session) RefreshNow(sink RefreshSink) error {
	return s.refreshTick(sink)
}

// ExclusiveScreenshot runs fn while holding the screenshot-edit lock, so a
// full photo send cannot interleave with a refresh edit.
func (s *Session) ExclusiveScreenshot(fn func() error) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return fn()
}

// StopAutoRefresh cancels any running refresh loop.
func (s *Session) StopAutoRefresh() {
	s.mu.Lock()
	r := s.refresh
	s.refresh = nil
	s.mu.Unlock()

	if r != nil {
		r.stop()
	}
}

func (s *Session) refreshLoop(r *refresher, interval time.Duration, maxTicks int, sink RefreshSink) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for remaining := maxTicks; remaining > 0; remaining-- {
		select {
		case <-r.cancel:
			return
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.refreshTick(sink)
		}
	}
}

func (s *Session) refreshTick(sink RefreshSink) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	chunks, rows, cols := s.Snapshot()
	hash := HashChunks(chunks)

	s.mu.Lock()
	unchanged := hash == s.screenshotHash
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := sink(chunks, rows, cols, hash); err != nil {
		slog.Debug("screen refresh edit failed", "user_id", s.UserID, "error", err)
		return err
	}

	s.mu.Lock()
	s.screenshotHash = hash
	s.mu.Unlock()
	return nil
}
