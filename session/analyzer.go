package session

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// detectorWindow is how much trailing output the confirmation detector keeps.
const detectorWindow = 500

// confirmationTrigger is the literal an AI CLI prints when presenting a
// numbered choice menu. Matched case-sensitively.
const confirmationTrigger = "1. Y"

// confirmationDebounce collapses repeated trigger matches into one
// notification.
const confirmationDebounce = 5 * time.Second

var (
	// ansiPattern matches CSI and OSC escape sequences so URL extraction
	// does not pick up colour codes glued to the address.
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	// urlPattern matches well-formed http(s) URLs in terminal output.
	urlPattern = regexp.MustCompile(`https?://[^\s'"<>\\^` + "`" + `{|}\[\]]+`)
)

// StripANSI removes escape sequences from terminal output.
func StripANSI(data []byte) []byte {
	return ansiPattern.ReplaceAll(data, nil)
}

// analyzer watches one session's output stream for the bell byte, the
// confirmation-prompt trigger, and URLs.
type analyzer struct {
	cb Callbacks

	mu               sync.Mutex
	window           []byte
	lastConfirmation time.Time
}

func newAnalyzer(cb Callbacks) *analyzer {
	return &analyzer{cb: cb}
}

// process inspects one PTY chunk. Runs on the session reader goroutine.
func (a *analyzer) process(chunk []byte, s *Session) {
	if bytes.IndexByte(chunk, 0x07) >= 0 && a.cb.OnBell != nil {
		a.cb.OnBell()
	}

	a.detectConfirmation(chunk)
	a.detectURLs(chunk, s)
}

func (a *analyzer) detectConfirmation(chunk []byte) {
	a.mu.Lock()
	a.window = append(a.window, chunk...)
	if len(a.window) > detectorWindow {
		a.window = a.window[len(a.window)-detectorWindow:]
	}
	matched := bytes.Contains(a.window, []byte(confirmationTrigger))
	fire := false
	if matched {
		now := time.Now()
		// Repeats inside the debounce window are suppressed entirely.
		if now.Sub(a.lastConfirmation) >= confirmationDebounce {
			a.lastConfirmation = now
			fire = true
		}
		// Drop the matched text so a stable prompt does not re-fire once
		// the debounce expires.
		a.window = a.window[:0]
	}
	a.mu.Unlock()

	if fire && a.cb.OnConfirmationPrompt != nil {
		a.cb.OnConfirmationPrompt()
	}
}

func (a *analyzer) detectURLs(chunk []byte, s *Session) {
	if a.cb.OnURLDiscovered == nil {
		return
	}
	for _, match := range urlPattern.FindAll(StripANSI(chunk), -1) {
		url := strings.TrimRight(string(match), ".,;:!?)")
		if s.markURL(url) {
			a.cb.OnURLDiscovered(url)
		}
	}
}

// Substitutor expands the [m0]..[m9] and [media] placeholders in outbound
// terminal input. Expansion order is fixed: message placeholders first, then
// the media path, so an [mN] value containing [media] still expands.
type Substitutor struct {
	placeholders []string
	mediaDir     string
}

// NewSubstitutor builds a substitutor from the configured placeholder table
// and the per-bot media directory.
func NewSubstitutor(placeholders []string, mediaDir string) *Substitutor {
	return &Substitutor{placeholders: placeholders, mediaDir: mediaDir}
}

// Apply expands placeholders in text. Slots with no configured value are
// left literal.
func (s *Substitutor) Apply(text string) string {
	for i, value := range s.placeholders {
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, fmt.Sprintf("[m%d]", i), value)
	}
	if s.mediaDir != "" {
		text = strings.ReplaceAll(text, "[media]", s.mediaDir)
	}
	return text
}
