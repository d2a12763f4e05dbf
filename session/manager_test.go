package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{
		ShellPath:      "/bin/sh",
		Rows:           24,
		Cols:           80,
		MaxOutputLines: 50,
		SessionTimeout: timeout,
		MediaDir:       t.TempDir(),
		Placeholders:   make([]string, 10),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func waitForOutput(t *testing.T, m *Manager, userID int64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunks, _, _, err := m.Snapshot(userID)
		require.NoError(t, err)
		var sb strings.Builder
		for _, c := range chunks {
			sb.Write(c)
		}
		if strings.Contains(sb.String(), want) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("output never contained %q", want)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := testManager(t, time.Minute)

	_, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)

	_, err = m.Create(42, 100, "", Callbacks{})
	assert.ErrorIs(t, err, ErrSessionExists)

	// A second user is independent.
	_, err = m.Create(43, 101, "", Callbacks{})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Count())
}

func TestWriteEchoesIntoSnapshot(t *testing.T) {
	m := testManager(t, time.Minute)

	_, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, m.Write(42, "echo tele-term-marker", true))
	waitForOutput(t, m, 42, "tele-term-marker")
}

func TestWriteOnMissingSession(t *testing.T) {
	m := testManager(t, time.Minute)
	assert.ErrorIs(t, m.Write(7, "ls", true), ErrSessionNotFound)
	assert.ErrorIs(t, m.WriteRaw(7, []byte{0x03}), ErrSessionNotFound)
}

func TestCloseIsNotFoundSecondTime(t *testing.T) {
	m := testManager(t, time.Minute)

	_, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, m.Close(42))
	assert.ErrorIs(t, m.Close(42), ErrSessionNotFound)
	assert.Equal(t, 0, m.Count())
}

func TestCloseKillsShell(t *testing.T) {
	m := testManager(t, time.Minute)

	s, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)
	pid := s.cmd.Process.Pid
	require.Greater(t, pid, 0)

	require.NoError(t, m.Close(42))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished closing")
	}
	// cmd.Wait has run, so the child is reaped.
	assert.NotNil(t, s.cmd.ProcessState)
}

func TestSessionRemovedWhenShellExits(t *testing.T) {
	m := testManager(t, time.Minute)

	_, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)

	require.NoError(t, m.Write(42, "exit", true))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(42); !ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("session entry survived shell exit")
}

func TestIdleSweepClosesStaleSessions(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)

	s, err := m.Create(42, 100, "", Callbacks{})
	require.NoError(t, err)

	// Let the shell settle, then wait past the timeout and sweep directly.
	time.Sleep(300 * time.Millisecond)
	m.sweepIdle()

	_, ok := m.Get(42)
	assert.False(t, ok)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("swept session not closed")
	}
}

func TestRingBufferCapped(t *testing.T) {
	s := newSession(1, 1, 24, 80, 4)
	for i := 0; i < 10; i++ {
		s.appendChunk([]byte{byte('a' + i)})
	}
	chunks, _, _ := s.Snapshot()
	require.Len(t, chunks, 4)
	assert.Equal(t, []byte{'g'}, chunks[0])
	assert.Equal(t, []byte{'j'}, chunks[3])
}

func TestSessionTimersCancelledOnClose(t *testing.T) {
	s := newSession(1, 1, 24, 80, 4)

	fired := make(chan struct{}, 1)
	s.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	s.close()

	select {
	case <-fired:
		t.Fatal("timer fired after close")
	case <-time.After(120 * time.Millisecond):
	}

	// Scheduling on a closed session is a no-op.
	assert.Nil(t, s.AfterFunc(time.Millisecond, func() {}))
}

func TestScreenshotBookkeeping(t *testing.T) {
	s := newSession(1, 1, 24, 80, 4)
	s.SetScreenshot(77, "hash-1")
	id, hash := s.Screenshot()
	assert.Equal(t, 77, id)
	assert.Equal(t, "hash-1", hash)
}
