// Package profile holds the process-wide configuration, loaded once from the
// environment at startup and immutable afterwards.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TTSProvider identifies which speech-to-text backend an API key belongs to.
type TTSProvider string

const (
	TTSProviderNone   TTSProvider = ""
	TTSProviderOpenAI TTSProvider = "openai"
	TTSProviderGoogle TTSProvider = "google"
)

// PlaceholderCount is the number of M0..M9 message placeholder slots.
const PlaceholderCount = 10

// Profile is the configuration shared by the supervisor and its workers.
type Profile struct {
	// Bot identities. One worker process is spawned per token.
	Tokens []string

	// Authorisation. The first entry is treated as the admin for
	// notification purposes.
	AllowedUserIDs []int64
	AutoKill       bool

	// PTY and rendering parameters.
	MaxOutputLines int
	SessionTimeout time.Duration
	TerminalRows   int
	TerminalCols   int
	FontSize       int
	ShellPath      string

	// Media fan-out.
	MediaRoot         string
	CleanMediaOnStart bool

	// Message lifecycle and auto-refresh loop.
	MessageDeleteTimeout  time.Duration // zero disables auto-delete
	ScreenRefreshInterval time.Duration
	ScreenRefreshMax      int

	// Supervisor.
	TokenMonitorInterval time.Duration // zero disables reconciliation
	ControlBotToken      string
	ControlAdminIDs      []int64
	VerboseLogging       bool

	// Speech to text. Provider is detected from the key prefix.
	TTSAPIKey string

	// M0..M9 text substitutions applied to outbound terminal input.
	Placeholders [PlaceholderCount]string

	// EnvFile is the environment file the supervisor loaded, and the
	// target for addbot/removebot persistence.
	EnvFile string

	// StartupDir holds persisted per-bot startup prompts.
	StartupDir string

	Version string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func parseIDList(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func parseTokenList(raw string) []string {
	var tokens []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.Tokens = parseTokenList(os.Getenv("TELEGRAM_BOT_TOKENS"))
	p.AllowedUserIDs = parseIDList(os.Getenv("ALLOWED_USER_IDS"))
	p.AutoKill = getEnvOrDefaultBool("AUTO_KILL", false)

	p.MaxOutputLines = getEnvOrDefaultInt("XTERM_MAX_OUTPUT_LINES", 200)
	p.SessionTimeout = getEnvDurationMs("XTERM_SESSION_TIMEOUT", 10*time.Minute)
	p.TerminalRows = getEnvOrDefaultInt("XTERM_TERMINAL_ROWS", 24)
	p.TerminalCols = getEnvOrDefaultInt("XTERM_TERMINAL_COLS", 80)
	p.FontSize = getEnvOrDefaultInt("XTERM_FONT_SIZE", 14)
	p.ShellPath = getEnvOrDefault("XTERM_SHELL_PATH", defaultShell())

	p.MediaRoot = getEnvOrDefault("MEDIA_TMP_LOCATION", filepath.Join(os.TempDir(), "teleterm-media"))
	p.CleanMediaOnStart = getEnvOrDefaultBool("CLEAN_UP_MEDIADIR", false)

	p.MessageDeleteTimeout = getEnvDurationMs("MESSAGE_DELETE_TIMEOUT", 15*time.Second)
	p.ScreenRefreshInterval = getEnvDurationMs("SCREEN_REFRESH_INTERVAL", 2*time.Second)
	p.ScreenRefreshMax = getEnvOrDefaultInt("SCREEN_REFRESH_MAX_COUNT", 10)

	p.TokenMonitorInterval = getEnvDurationMs("BOT_TOKEN_MONITOR_INTERVAL", 0)
	p.ControlBotToken = os.Getenv("CONTROL_BOT_TOKEN")
	p.ControlAdminIDs = parseIDList(os.Getenv("CONTROL_BOT_ADMIN_IDS"))
	p.VerboseLogging = getEnvOrDefaultBool("VERBOSE_LOGGING", false)

	p.TTSAPIKey = os.Getenv("TTS_API_KEY")

	for i := 0; i < PlaceholderCount; i++ {
		p.Placeholders[i] = os.Getenv(fmt.Sprintf("M%d", i))
	}

	p.StartupDir = getEnvOrDefault("STARTUP_PROMPT_DIR", "startup")
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// Validate checks invariants the supervisor cannot start without.
func (p *Profile) Validate() error {
	if len(p.Tokens) == 0 {
		return errors.New("no bot tokens configured; set TELEGRAM_BOT_TOKENS")
	}
	if len(p.AllowedUserIDs) == 0 {
		return errors.New("no allowed users configured; set ALLOWED_USER_IDS")
	}
	if p.TerminalRows <= 0 || p.TerminalCols <= 0 {
		return errors.Errorf("invalid terminal size %dx%d", p.TerminalCols, p.TerminalRows)
	}
	if p.MaxOutputLines <= 0 {
		return errors.Errorf("invalid XTERM_MAX_OUTPUT_LINES %d", p.MaxOutputLines)
	}
	return nil
}

// BotID returns the stable identifier for the nth worker.
func BotID(index int) string {
	return fmt.Sprintf("bot-%d", index)
}

// AdminID returns the user notified about administrative events, which is
// the first allowed user. Returns zero when the list is empty.
func (p *Profile) AdminID() int64 {
	if len(p.AllowedUserIDs) == 0 {
		return 0
	}
	return p.AllowedUserIDs[0]
}

// IsAllowed reports whether the user may interact with a worker bot.
func (p *Profile) IsAllowed(userID int64) bool {
	for _, id := range p.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsControlAdmin reports whether the user may issue control-bot commands.
func (p *Profile) IsControlAdmin(userID int64) bool {
	for _, id := range p.ControlAdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// MediaDir returns the watched media directory for a bot.
func (p *Profile) MediaDir(botID string) string {
	return filepath.Join(p.MediaRoot, botID)
}

// SentDir returns the directory dispatched media files are moved into.
func (p *Profile) SentDir(botID string) string {
	return filepath.Join(p.MediaRoot, botID, "sent")
}

// ReceivedDir returns the directory inbound chat attachments are saved to.
func (p *Profile) ReceivedDir(botID string) string {
	return filepath.Join(p.MediaRoot, botID, "received")
}

// AudioDir returns the per-bot scratch directory for voice downloads.
func (p *Profile) AudioDir(botID string) string {
	return filepath.Join(p.MediaRoot, botID, "audio")
}

// TTSProvider detects the transcription backend from the API key prefix:
// OpenAI-compatible keys start with "sk-", anything else is treated as a
// Google-compatible key. Empty key disables transcription.
func (p *Profile) TTSProvider() TTSProvider {
	switch {
	case p.TTSAPIKey == "":
		return TTSProviderNone
	case strings.HasPrefix(p.TTSAPIKey, "sk-"):
		return TTSProviderOpenAI
	default:
		return TTSProviderGoogle
	}
}

// MaskToken hides the secret part of a bot token for display, keeping the
// numeric bot id prefix and the last four characters.
func MaskToken(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 && len(token) > i+5 {
		return token[:i+1] + "..." + token[len(token)-4:]
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
