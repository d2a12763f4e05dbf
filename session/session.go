// Package session owns the pseudo-terminals behind chat conversations: one
// PTY per (bot, user), with bounded output buffering, idle sweeping, output
// analysis, and the rate-limited screenshot refresh loop.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Callbacks are the observers a dispatcher registers on session creation.
// They are invoked synchronously from the PTY reader goroutine, so handlers
// must not block; anything slow is expected to hand off to its own goroutine.
type Callbacks struct {
	OnData               func(chunk []byte)
	OnBell               func()
	OnConfirmationPrompt func()
	OnURLDiscovered      func(url string)
	OnBufferingEnded     func()
}

// bufferSettleDelay is how long the output stream must stay quiet before
// OnBufferingEnded fires.
const bufferSettleDelay = 1 * time.Second

// Session is the per-user PTY state. All mutable fields are guarded by mu;
// the exported accessors take it.
type Session struct {
	UserID int64
	ChatID int64

	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd

	// Ring of raw output chunks, capped at maxChunks.
	output    [][]byte
	maxChunks int

	rows, cols   int
	lastActivity time.Time

	// Screenshot bookkeeping for the auto-refresh loop.
	screenshotMsgID int
	screenshotHash  string

	// URL discovery state, append-only for the session lifetime.
	discoveredURLs []string
	notifiedURLs   map[string]struct{}

	analyzer *analyzer
	refresh  *refresher

	// editMu serialises screenshot sends and edits: loop ticks, immediate
	// refreshes, and full-photo sends never interleave on the same message.
	editMu sync.Mutex

	// Timers owned by the session; cancelled on close.
	timers map[*time.Timer]struct{}

	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(userID, chatID int64, rows, cols, maxChunks int) *Session {
	return &Session{
		UserID:       userID,
		ChatID:       chatID,
		rows:         rows,
		cols:         cols,
		maxChunks:    maxChunks,
		lastActivity: time.Now(),
		notifiedURLs: make(map[string]struct{}),
		timers:       make(map[*time.Timer]struct{}),
		done:         make(chan struct{}),
	}
}

// Write sends text to the PTY, optionally followed by Enter.
func (s *Session) Write(text string, appendEnter bool) error {
	data := []byte(text)
	if appendEnter {
		data = append(data, '\r')
	}
	return s.WriteRaw(data)
}

// WriteRaw sends bytes to the PTY verbatim and bumps the activity clock.
func (s *Session) WriteRaw(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if ptmx == nil {
		return ErrSessionNotFound
	}
	_, err := ptmx.Write(data)
	return err
}

// Snapshot returns a copy of the output ring plus the terminal dimensions.
// The copy is atomic with respect to concurrent reader-goroutine appends.
func (s *Session) Snapshot() (chunks [][]byte, rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks = make([][]byte, len(s.output))
	for i, c := range s.output {
		dup := make([]byte, len(c))
		copy(dup, c)
		chunks[i] = dup
	}
	return chunks, s.rows, s.cols
}

// BufferHash returns a digest of the current output ring. Two equal hashes
// mean the rendered screenshot would be identical.
func (s *Session) BufferHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferHashLocked()
}

func (s *Session) bufferHashLocked() string {
	h := sha256.New()
	for _, c := range s.output {
		h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// appendChunk pushes PTY output into the ring, evicting the oldest chunk
// once the cap is reached.
func (s *Session) appendChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := make([]byte, len(chunk))
	copy(dup, chunk)
	s.output = append(s.output, dup)
	if len(s.output) > s.maxChunks {
		s.output = s.output[len(s.output)-s.maxChunks:]
	}
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent write or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Size returns the terminal dimensions.
func (s *Session) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// SetScreenshot records the message id carrying the latest screenshot and
// the buffer hash it was rendered from.
func (s *Session) SetScreenshot(messageID int, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshotMsgID = messageID
	s.screenshotHash = hash
}

// Screenshot returns the current screenshot message id and buffer hash.
func (s *Session) Screenshot() (messageID int, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenshotMsgID, s.screenshotHash
}

// markURL records a discovered URL. Returns true when the URL has not been
// notified before in this session.
func (s *Session) markURL(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.notifiedURLs[url]; seen {
		return false
	}
	s.discoveredURLs = append(s.discoveredURLs, url)
	s.notifiedURLs[url] = struct{}{}
	return true
}

// DiscoveredURLs returns the URLs seen so far, in discovery order.
func (s *Session) DiscoveredURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, len(s.discoveredURLs))
	copy(urls, s.discoveredURLs)
	return urls
}

// AfterFunc schedules fn on a timer owned by the session. Closing the
// session stops every timer that has not fired yet.
func (s *Session) AfterFunc(d time.Duration, fn func()) *time.Timer {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
	return timer
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close tears the session down: timers, refresh loop, PTY process.
// Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for timer := range s.timers {
			timer.Stop()
		}
		s.timers = map[*time.Timer]struct{}{}
		refresh := s.refresh
		ptmx := s.ptmx
		cmd := s.cmd
		s.mu.Unlock()

		if refresh != nil {
			refresh.stop()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		if ptmx != nil {
			_ = ptmx.Close()
		}
		if cmd != nil {
			// Reap the child so it does not linger as a zombie.
			_ = cmd.Wait()
		}
		close(s.done)
	})
}

// spawn starts the shell under a PTY sized to the session.
func (s *Session) spawn(shellPath, dir string, env []string) error {
	cmd := exec.Command(shellPath)
	cmd.Dir = dir
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(s.rows),
		Cols: uint16(s.cols),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.mu.Unlock()
	return nil
}
