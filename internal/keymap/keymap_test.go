package keymap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecialKeys(t *testing.T) {
	tests := []struct {
		name string
		want []byte
	}{
		{"tab", []byte{0x09}},
		{"enter", []byte{0x0D}},
		{"space", []byte{0x20}},
		{"delete", []byte{0x7F}},
		{"esc", []byte{0x1B}},
		{"arrowup", []byte{0x1B, '[', 'A'}},
		{"arrowdown", []byte{0x1B, '[', 'B'}},
		{"ctrlc", []byte{0x03}},
		{"ctrlx", []byte{0x18}},
	}
	for _, tt := range tests {
		got, ok := SpecialKey(tt.name)
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, ok := SpecialKey("pageup")
	assert.False(t, ok)
}

func TestCtrlLetters(t *testing.T) {
	for c := byte('a'); c <= 'z'; c++ {
		got, err := Ctrl(c)
		require.NoError(t, err)
		assert.Equal(t, c-'a'+1, got)
	}
	// Uppercase maps the same way.
	got, err := Ctrl('C')
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), got)
}

func TestCtrlPunctuation(t *testing.T) {
	tests := map[byte]byte{
		'@':  0x00,
		'[':  0x1B,
		'\\': 0x1C,
		']':  0x1D,
		'^':  0x1E,
		'_':  0x1F,
		'?':  0x7F,
	}
	for in, want := range tests {
		got, err := Ctrl(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Ctrl('1')
	assert.Error(t, err)
}
