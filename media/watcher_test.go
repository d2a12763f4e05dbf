package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFile struct {
	userID  int64
	kind    Kind
	caption string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentFile
	failFor map[int64]error
}

func (f *fakeSender) SendFile(_ context.Context, userID int64, kind Kind, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[userID]; ok {
		return err
	}
	f.sent = append(f.sent, sentFile{userID: userID, kind: kind, caption: caption})
	return nil
}

func (f *fakeSender) snapshot() []sentFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFile(nil), f.sent...)
}

func startWatcher(t *testing.T, users []int64, sender Sender) (dir, sentDir string) {
	t.Helper()
	dir = t.TempDir()
	sentDir = filepath.Join(dir, "sent")
	require.NoError(t, EnsureDirs(dir, false, sentDir))

	w := NewWatcher(dir, sentDir, users, sender)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher a beat to register before tests drop files.
	time.Sleep(50 * time.Millisecond)
	return dir, sentDir
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFanOutToAllUsersAndArchive(t *testing.T) {
	sender := &fakeSender{}
	dir, sentDir := startWatcher(t, []int64{1, 2}, sender)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.png"), []byte("png-bytes"), 0o644))

	waitFor(t, func() bool { return len(sender.snapshot()) == 2 }, "file never fanned out")
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(sentDir, "pic.png"))
		return err == nil
	}, "file never archived")

	for _, s := range sender.snapshot() {
		assert.Equal(t, KindPhoto, s.kind)
		assert.Equal(t, "pic.png", s.caption)
	}
	// Gone from the drop dir.
	_, err := os.Stat(filepath.Join(dir, "pic.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveCollisionGetsTimestampSuffix(t *testing.T) {
	sender := &fakeSender{}
	dir, sentDir := startWatcher(t, []int64{1}, sender)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.png"), []byte("first"), 0o644))
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(sentDir, "pic.png"))
		return err == nil
	}, "first file never archived")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.png"), []byte("second"), 0o644))
	waitFor(t, func() bool {
		entries, err := os.ReadDir(sentDir)
		return err == nil && len(entries) == 2
	}, "second file never archived")

	entries, err := os.ReadDir(sentDir)
	require.NoError(t, err)
	var suffixed bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pic_") && strings.HasSuffix(e.Name(), ".png") {
			suffixed = true
		}
	}
	assert.True(t, suffixed, "collision archive missing timestamp suffix")
}

func TestPartialSendFailureStillArchives(t *testing.T) {
	sender := &fakeSender{failFor: map[int64]error{2: errors.New("blocked")}}
	dir, sentDir := startWatcher(t, []int64{1, 2, 3}, sender)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("text"), 0o644))
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(sentDir, "doc.txt"))
		return err == nil
	}, "file never archived despite partial success")

	got := sender.snapshot()
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, KindDocument, s.kind)
	}
}

func TestTotalSendFailureLeavesFile(t *testing.T) {
	sender := &fakeSender{failFor: map[int64]error{1: errors.New("down")}}
	dir, _ := startWatcher(t, []int64{1}, sender)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.bin"), []byte("x"), 0o644))
	time.Sleep(500 * time.Millisecond)

	_, err := os.Stat(filepath.Join(dir, "keep.bin"))
	assert.NoError(t, err, "file must stay in place when nobody received it")
}

func TestReservedAndHiddenNamesIgnored(t *testing.T) {
	sender := &fakeSender{}
	dir, _ := startWatcher(t, []int64{1}, sender)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "received"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.png"), []byte("x"), 0o644))
	time.Sleep(400 * time.Millisecond)

	assert.Empty(t, sender.snapshot())
}

func TestClassify(t *testing.T) {
	tests := map[string]Kind{
		"a.JPG":   KindPhoto,
		"b.png":   KindPhoto,
		"c.gif":   KindAnimation,
		"d.mp4":   KindVideo,
		"e.ogg":   KindVoice,
		"f.mp3":   KindAudio,
		"g.webp":  KindDocument,
		"h.xyz":   KindDocument,
		"no-ext":  KindDocument,
	}
	for name, want := range tests {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestEnsureDirsClean(t *testing.T) {
	root := t.TempDir()
	mediaDir := filepath.Join(root, "bot-0")
	stale := filepath.Join(mediaDir, "stale.txt")
	require.NoError(t, os.MkdirAll(mediaDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	require.NoError(t, EnsureDirs(mediaDir, true, filepath.Join(mediaDir, "sent")))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(mediaDir, "sent"))
	assert.NoError(t, err)
}
