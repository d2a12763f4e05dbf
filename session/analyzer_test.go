package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	in := []byte("\x1b[31mred\x1b[0m plain \x1b]0;title\x07rest")
	assert.Equal(t, "red plain rest", string(StripANSI(in)))
}

func TestAnalyzerBell(t *testing.T) {
	var bells atomic.Int32
	a := newAnalyzer(Callbacks{OnBell: func() { bells.Add(1) }})
	s := newSession(1, 1, 24, 80, 10)

	a.process([]byte("no bell here"), s)
	a.process([]byte("ding\x07dong"), s)
	a.process([]byte("\x07"), s)

	assert.Equal(t, int32(2), bells.Load())
}

func TestAnalyzerConfirmationDebounce(t *testing.T) {
	var prompts atomic.Int32
	a := newAnalyzer(Callbacks{OnConfirmationPrompt: func() { prompts.Add(1) }})
	s := newSession(1, 1, 24, 80, 10)

	a.process([]byte("Do you want to proceed?\n  1. Y"), s)
	a.process([]byte("es\n  1. Y"), s)
	require.Equal(t, int32(1), prompts.Load(), "repeat within debounce window must be suppressed")

	// Force the window into the past and match again.
	a.mu.Lock()
	a.lastConfirmation = time.Now().Add(-confirmationDebounce - time.Second)
	a.mu.Unlock()
	a.process([]byte("  1. Y"), s)
	assert.Equal(t, int32(2), prompts.Load())
}

func TestAnalyzerConfirmationSplitAcrossChunks(t *testing.T) {
	var prompts atomic.Int32
	a := newAnalyzer(Callbacks{OnConfirmationPrompt: func() { prompts.Add(1) }})
	s := newSession(1, 1, 24, 80, 10)

	a.process([]byte("choices:\n  1."), s)
	a.process([]byte(" Yes, continue"), s)
	assert.Equal(t, int32(1), prompts.Load())
}

func TestAnalyzerURLDedup(t *testing.T) {
	var urls []string
	a := newAnalyzer(Callbacks{OnURLDiscovered: func(u string) { urls = append(urls, u) }})
	s := newSession(1, 1, 24, 80, 10)

	a.process([]byte("Server at http://localhost:3000\r\n"), s)
	a.process([]byte("Server at http://localhost:3000\r\n"), s)

	require.Equal(t, []string{"http://localhost:3000"}, urls)
	assert.Equal(t, []string{"http://localhost:3000"}, s.DiscoveredURLs())
}

func TestAnalyzerURLInsideANSI(t *testing.T) {
	var urls []string
	a := newAnalyzer(Callbacks{OnURLDiscovered: func(u string) { urls = append(urls, u) }})
	s := newSession(1, 1, 24, 80, 10)

	a.process([]byte("\x1b[32mhttps://example.com/path\x1b[0m done"), s)
	require.Equal(t, []string{"https://example.com/path"}, urls)
}

func TestSubstitutorOrderAndLiteral(t *testing.T) {
	placeholders := make([]string, 10)
	placeholders[0] = "ls [media]"
	placeholders[2] = "deploy"
	sub := NewSubstitutor(placeholders, "/var/media/bot-0")

	// [mN] expands first, then [media] inside the expansion.
	assert.Equal(t, "ls /var/media/bot-0", sub.Apply("[m0]"))
	assert.Equal(t, "run deploy now", sub.Apply("run [m2] now"))
	// Unconfigured slots stay literal.
	assert.Equal(t, "[m5]", sub.Apply("[m5]"))
}

func TestSubstitutorIdempotent(t *testing.T) {
	placeholders := make([]string, 10)
	placeholders[1] = "hello"
	sub := NewSubstitutor(placeholders, "/media")

	once := sub.Apply("say [m1] in [media]")
	assert.Equal(t, once, sub.Apply(once))
}
