package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromEnv(t *testing.T, env map[string]string) *Profile {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	p := &Profile{}
	p.FromEnv()
	return p
}

func TestFromEnvDefaults(t *testing.T) {
	p := loadFromEnv(t, map[string]string{
		"TELEGRAM_BOT_TOKENS": "",
		"ALLOWED_USER_IDS":    "",
	})

	assert.Empty(t, p.Tokens)
	assert.Equal(t, 200, p.MaxOutputLines)
	assert.Equal(t, 10*time.Minute, p.SessionTimeout)
	assert.Equal(t, 24, p.TerminalRows)
	assert.Equal(t, 80, p.TerminalCols)
	assert.Equal(t, 15*time.Second, p.MessageDeleteTimeout)
	assert.Equal(t, 2*time.Second, p.ScreenRefreshInterval)
	assert.Equal(t, 10, p.ScreenRefreshMax)
	assert.Zero(t, p.TokenMonitorInterval)
	assert.False(t, p.AutoKill)
}

func TestFromEnvParsesLists(t *testing.T) {
	p := loadFromEnv(t, map[string]string{
		"TELEGRAM_BOT_TOKENS":   "111:aaa, 222:bbb ,",
		"ALLOWED_USER_IDS":      "42, 99,not-a-number, 7",
		"CONTROL_BOT_ADMIN_IDS": "1001",
		"AUTO_KILL":             "true",
		"XTERM_SESSION_TIMEOUT": "2000",
		"M0":                    "hello",
		"M9":                    "world",
	})

	assert.Equal(t, []string{"111:aaa", "222:bbb"}, p.Tokens)
	assert.Equal(t, []int64{42, 99, 7}, p.AllowedUserIDs)
	assert.Equal(t, []int64{1001}, p.ControlAdminIDs)
	assert.True(t, p.AutoKill)
	assert.Equal(t, 2*time.Second, p.SessionTimeout)
	assert.Equal(t, "hello", p.Placeholders[0])
	assert.Equal(t, "world", p.Placeholders[9])
	assert.Equal(t, int64(42), p.AdminID())
}

func TestValidate(t *testing.T) {
	p := loadFromEnv(t, map[string]string{
		"TELEGRAM_BOT_TOKENS": "111:aaa",
		"ALLOWED_USER_IDS":    "42",
	})
	require.NoError(t, p.Validate())

	p.Tokens = nil
	require.Error(t, p.Validate())
}

func TestIsAllowed(t *testing.T) {
	p := &Profile{AllowedUserIDs: []int64{1, 2}}
	assert.True(t, p.IsAllowed(1))
	assert.True(t, p.IsAllowed(2))
	assert.False(t, p.IsAllowed(3))
}

func TestTTSProviderDetection(t *testing.T) {
	tests := []struct {
		key  string
		want TTSProvider
	}{
		{"", TTSProviderNone},
		{"sk-abc123", TTSProviderOpenAI},
		{"AIzaSyFakeGoogleKey", TTSProviderGoogle},
	}
	for _, tt := range tests {
		p := &Profile{TTSAPIKey: tt.key}
		assert.Equal(t, tt.want, p.TTSProvider(), "key %q", tt.key)
	}
}

func TestDerivedPaths(t *testing.T) {
	p := &Profile{MediaRoot: "/tmp/media"}
	assert.Equal(t, "/tmp/media/bot-0", p.MediaDir("bot-0"))
	assert.Equal(t, "/tmp/media/bot-0/sent", p.SentDir("bot-0"))
	assert.Equal(t, "/tmp/media/bot-0/received", p.ReceivedDir("bot-0"))
	assert.Equal(t, "/tmp/media/bot-0/audio", p.AudioDir("bot-0"))
	assert.Equal(t, "bot-3", BotID(3))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "12345:...WXYZ", MaskToken("12345:AAAAAAAAAAAAAAAAAAAAWXYZ"))
	assert.Equal(t, "***", MaskToken("short"))
}
