package render

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesDecodablePNG(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	chunks := [][]byte{
		[]byte("$ echo hello\r\n"),
		[]byte("hello\r\n"),
	}
	data, err := r.Render(chunks, 24, 80, 14)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Greater(t, bounds.Dx(), 80, "image suspiciously narrow")
	assert.Greater(t, bounds.Dy(), 24, "image suspiciously short")
}

func TestRenderHandlesANSIColours(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	chunks := [][]byte{
		[]byte("\x1b[31mred\x1b[0m \x1b[1;32mgreen\x1b[0m\r\n"),
		[]byte("\x1b[38;5;208morange-256\x1b[0m\r\n"),
	}
	data, err := r.Render(chunks, 10, 40, 12)
	require.NoError(t, err)

	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestRenderEmptyBuffer(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	data, err := r.Render(nil, 24, 80, 14)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestRenderRejectsInvalidSize(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.Render(nil, 0, 80, 14)
	assert.Error(t, err)
	_, err = r.Render(nil, 24, -1, 14)
	assert.Error(t, err)
}

func TestRenderSameInputSameOutput(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	chunks := [][]byte{[]byte("stable\r\n")}
	a, err := r.Render(chunks, 10, 20, 14)
	require.NoError(t, err)
	b, err := r.Render(chunks, 10, 20, 14)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestXterm256Ramp(t *testing.T) {
	// Cube corner: index 16 is black, 231 is white.
	assert.Equal(t, uint8(0x00), xterm256(16).R)
	white := xterm256(231)
	assert.Equal(t, uint8(0xFF), white.R)
	assert.Equal(t, uint8(0xFF), white.G)
	// Grayscale ramp end.
	gray := xterm256(255)
	assert.Equal(t, gray.R, gray.G)
	assert.Equal(t, gray.G, gray.B)
}
