package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/teleterm/internal/profile"
)

func TestRingLogKeepsMostRecent(t *testing.T) {
	r := NewRingLog()
	assert.Empty(t, r.Lines())

	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Lines())
	assert.Equal(t, 2, r.Len())

	for i := 0; i < ringCapacity+10; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	lines := r.Lines()
	require.Len(t, lines, ringCapacity)
	// Oldest surviving entry first, newest last.
	assert.Equal(t, "line-10", lines[0])
	assert.Equal(t, fmt.Sprintf("line-%d", ringCapacity+9), lines[ringCapacity-1])
}

func TestWriteTokensPreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"TELEGRAM_BOT_TOKENS=111:aaa\nALLOWED_USER_IDS=42\nAUTO_KILL=true\n"), 0o644))

	require.NoError(t, WriteTokens(path, []string{"111:aaa", "222:bbb"}))

	tokens, err := ReadTokens(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"111:aaa", "222:bbb"}, tokens)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ALLOWED_USER_IDS")
	assert.Contains(t, string(data), "AUTO_KILL")

	// No temp residue next to the env file.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteTokensCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, WriteTokens(path, []string{"333:ccc"}))

	tokens, err := ReadTokens(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"333:ccc"}, tokens)
}

func TestReadTokensSkipsBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"TELEGRAM_BOT_TOKENS=111:aaa, ,222:bbb,\n"), 0o644))

	tokens, err := ReadTokens(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"111:aaa", "222:bbb"}, tokens)
}

func TestWorkerSnapshotMasksToken(t *testing.T) {
	p := &workerProc{
		botID:  "bot-0",
		token:  "1234567:AAAbbbCCCddd",
		status: StatusStopped,
	}
	info := p.snapshot()
	assert.Equal(t, "bot-0", info.BotID)
	assert.Equal(t, profile.MaskToken("1234567:AAAbbbCCCddd"), info.MaskedToken)
	assert.NotContains(t, info.MaskedToken, "AAAbbbCCCddd")
	assert.Zero(t, info.Uptime, "stopped workers report no uptime")
}

func TestWorkersSortedByBotID(t *testing.T) {
	s := New(&profile.Profile{})
	s.workers["bot-2"] = &workerProc{botID: "bot-2", status: StatusStopped}
	s.workers["bot-0"] = &workerProc{botID: "bot-0", status: StatusRunning}
	s.workers["bot-1"] = &workerProc{botID: "bot-1", status: StatusError}

	infos := s.Workers()
	require.Len(t, infos, 3)
	assert.Equal(t, "bot-0", infos[0].BotID)
	assert.Equal(t, "bot-1", infos[1].BotID)
	assert.Equal(t, "bot-2", infos[2].BotID)
}

func TestCrashRestartGivesUpOnImmediateRecrash(t *testing.T) {
	s := New(&profile.Profile{})

	// First crash ever: nothing recorded, restart allowed.
	assert.True(t, s.shouldRestart("bot-0"))

	// The respawned worker crashes again straight away.
	s.recordRestart("bot-0")
	assert.False(t, s.shouldRestart("bot-0"), "re-crash within the window must not respawn")

	// A worker that ran for a while before crashing again is eligible.
	s.mu.Lock()
	s.lastRestart["bot-0"] = time.Now().Add(-2 * restartDelay)
	s.mu.Unlock()
	assert.True(t, s.shouldRestart("bot-0"))

	// Independent per bot.
	assert.True(t, s.shouldRestart("bot-1"))
}

func TestNoCrashRestartDuringShutdown(t *testing.T) {
	s := New(&profile.Profile{})
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	assert.False(t, s.shouldRestart("bot-0"))
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "🟢", statusIcon(StatusRunning))
	assert.Equal(t, "🟡", statusIcon(StatusStarting))
	assert.Equal(t, "🔴", statusIcon(StatusError))
	assert.Equal(t, "⚪", statusIcon(StatusStopped))
}

func TestMaskedSummary(t *testing.T) {
	out := maskedSummary([]string{"1234567:secretsecret1", "7654321:secretsecret2"})
	assert.NotContains(t, out, "secretsecret1")
	assert.NotContains(t, out, "secretsecret2")
	assert.Contains(t, out, "1234567:")
}
