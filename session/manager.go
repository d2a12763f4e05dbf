package session

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrSessionExists is returned when a user already has a live session.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for operations on a missing session.
	ErrSessionNotFound = errors.New("session not found")
)

// sweepInterval is how often the idle sweeper scans for stale sessions.
const sweepInterval = 60 * time.Second

// Config carries the PTY parameters the manager applies to every session.
type Config struct {
	ShellPath      string
	Rows           int
	Cols           int
	MaxOutputLines int
	SessionTimeout time.Duration
	MediaDir       string    // substituted for the [media] placeholder
	Placeholders   []string  // M0..M9 substitutions
}

// Manager owns the (userID -> Session) map for one worker. Map mutations
// are serialised so a has-then-create pair cannot race.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[int64]*Session

	substitutor *Substitutor

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a manager and starts its idle sweeper.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:         cfg,
		sessions:    make(map[int64]*Session),
		substitutor: NewSubstitutor(cfg.Placeholders, cfg.MediaDir),
		stop:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Substitutor exposes the placeholder expander configured for this worker.
func (m *Manager) Substitutor() *Substitutor {
	return m.substitutor
}

// Create spawns a shell session for the user. Fails with ErrSessionExists
// when one is already live. dir may be empty to use the home directory.
func (m *Manager) Create(userID, chatID int64, dir string, cb Callbacks) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	s := newSession(userID, chatID, m.cfg.Rows, m.cfg.Cols, m.cfg.MaxOutputLines)
	m.sessions[userID] = s
	m.mu.Unlock()

	if dir == "" {
		dir, _ = os.UserHomeDir()
	}
	env := append(os.Environ(), "TERM=xterm-256color")
	if err := s.spawn(m.cfg.ShellPath, dir, env); err != nil {
		m.mu.Lock()
		delete(m.sessions, userID)
		m.mu.Unlock()
		return nil, err
	}

	s.analyzer = newAnalyzer(cb)
	go m.readLoop(s, cb)

	slog.Info("session created", "user_id", userID, "chat_id", chatID,
		"shell", m.cfg.ShellPath, "dir", dir)
	return s, nil
}

// readLoop pumps PTY output into the ring buffer and the analyzer. When the
// PTY exits the session entry is removed; the next command observes the
// absence.
func (m *Manager) readLoop(s *Session, cb Callbacks) {
	var settle *time.Timer
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.appendChunk(chunk)
			s.analyzer.process(chunk, s)
			if cb.OnData != nil {
				cb.OnData(chunk)
			}
			if cb.OnBufferingEnded != nil {
				if settle != nil {
					settle.Stop()
				}
				settle = time.AfterFunc(bufferSettleDelay, cb.OnBufferingEnded)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("pty read ended", "user_id", s.UserID, "error", err)
			}
			m.removeAndClose(s.UserID, "pty exited")
			return
		}
	}
}

// Get returns the user's live session, if any.
func (m *Manager) Get(userID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Write sends text to the user's PTY, with an Enter appended when requested.
func (m *Manager) Write(userID int64, text string, appendEnter bool) error {
	s, ok := m.Get(userID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Write(text, appendEnter)
}

// WriteRaw sends raw bytes to the user's PTY.
func (m *Manager) WriteRaw(userID int64, data []byte) error {
	s, ok := m.Get(userID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.WriteRaw(data)
}

// Snapshot returns an atomic copy of the user's output ring.
func (m *Manager) Snapshot(userID int64) (chunks [][]byte, rows, cols int, err error) {
	s, ok := m.Get(userID)
	if !ok {
		return nil, 0, 0, ErrSessionNotFound
	}
	chunks, rows, cols = s.Snapshot()
	return chunks, rows, cols, nil
}

// Close tears down the user's session. Closing a missing session is
// ErrSessionNotFound.
func (m *Manager) Close(userID int64) error {
	if !m.removeAndClose(userID, "closed by user") {
		return ErrSessionNotFound
	}
	return nil
}

func (m *Manager) removeAndClose(userID int64, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	slog.Info("session closed", "user_id", userID, "reason", reason)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every session; used on worker shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	users := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		users = append(users, id)
	}
	m.mu.Unlock()

	for _, id := range users {
		m.removeAndClose(id, "worker shutdown")
	}
}

// Shutdown stops the sweeper and closes all sessions.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.CloseAll()
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	if m.cfg.SessionTimeout <= 0 {
		return
	}

	now := time.Now()
	m.mu.Lock()
	var stale []int64
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.cfg.SessionTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Info("session idle timeout", "user_id", id, "timeout", m.cfg.SessionTimeout)
		m.removeAndClose(id, "idle timeout")
	}
}
