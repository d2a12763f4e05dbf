// Package render turns buffered terminal output into PNG screenshots. The
// raw byte stream, ANSI sequences included, is replayed through a vt10x
// terminal emulator and the resulting cell grid is drawn with the Go Mono
// face.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/tuzig/vt10x"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// maxImageWidth keeps screenshots inside the chat API's photo dimension
// budget; wider renders are downscaled.
const maxImageWidth = 4096

const (
	cellPadX = 8 // horizontal canvas margin in pixels
	cellPadY = 8 // vertical canvas margin in pixels
)

var (
	defaultFG = color.RGBA{R: 0xE6, G: 0xE6, B: 0xE6, A: 0xFF}
	defaultBG = color.RGBA{R: 0x1E, G: 0x1E, B: 0x1E, A: 0xFF}

	// Standard + bright ANSI palette (xterm defaults).
	ansiPalette = [16]color.RGBA{
		{0x00, 0x00, 0x00, 0xFF}, {0xCD, 0x00, 0x00, 0xFF},
		{0x00, 0xCD, 0x00, 0xFF}, {0xCD, 0xCD, 0x00, 0xFF},
		{0x00, 0x00, 0xEE, 0xFF}, {0xCD, 0x00, 0xCD, 0xFF},
		{0x00, 0xCD, 0xCD, 0xFF}, {0xE5, 0xE5, 0xE5, 0xFF},
		{0x7F, 0x7F, 0x7F, 0xFF}, {0xFF, 0x00, 0x00, 0xFF},
		{0x00, 0xFF, 0x00, 0xFF}, {0xFF, 0xFF, 0x00, 0xFF},
		{0x5C, 0x5C, 0xFF, 0xFF}, {0xFF, 0x00, 0xFF, 0xFF},
		{0x00, 0xFF, 0xFF, 0xFF}, {0xFF, 0xFF, 0xFF, 0xFF},
	}
)

// Renderer is stateless at the interface; it only caches parsed font faces
// per size. Safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	font  *opentype.Font
	faces map[int]font.Face
}

// New creates a renderer with the bundled monospace font.
func New() (*Renderer, error) {
	f, err := opentype.Parse(gomono.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse bundled font: %w", err)
	}
	return &Renderer{font: f, faces: make(map[int]font.Face)}, nil
}

func (r *Renderer) face(size int) (font.Face, error) {
	if size <= 0 {
		size = 14
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if face, ok := r.faces[size]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("build %dpt face: %w", size, err)
	}
	r.faces[size] = face
	return face, nil
}

// Render replays the output chunks through a fresh terminal emulator sized
// rows x cols and encodes the screen as PNG. A failure never panics out;
// the worker treats it as a reportable error and retries on the next
// snapshot.
func (r *Renderer) Render(chunks [][]byte, rows, cols, fontSize int) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("renderer panic: %v", rec)
		}
	}()

	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	face, err := r.face(fontSize)
	if err != nil {
		return nil, err
	}

	term := vt10x.New(vt10x.WithSize(cols, rows))
	for _, chunk := range chunks {
		_, _ = term.Write(chunk)
	}

	metrics := face.Metrics()
	cellH := metrics.Height.Ceil()
	ascent := metrics.Ascent.Ceil()
	advance, ok := face.GlyphAdvance('M')
	if !ok {
		return nil, fmt.Errorf("font face has no advance for reference glyph")
	}
	cellW := advance.Ceil()

	width := cols*cellW + 2*cellPadX
	height := rows*cellH + 2*cellPadY

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(defaultBG), image.Point{}, draw.Src)

	cursor := term.Cursor()
	drawer := font.Drawer{Dst: img, Face: face}

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			glyph := term.Cell(col, row)

			fg := mapColor(glyph.FG, defaultFG)
			bg := mapColor(glyph.BG, defaultBG)
			if cursor.X == col && cursor.Y == row {
				fg, bg = bg, fg
			}

			x := cellPadX + col*cellW
			y := cellPadY + row*cellH
			if bg != defaultBG {
				cellRect := image.Rect(x, y, x+cellW, y+cellH)
				draw.Draw(img, cellRect, image.NewUniform(bg), image.Point{}, draw.Src)
			}

			ch := glyph.Char
			if ch == 0 || ch == ' ' {
				continue
			}
			drawer.Src = image.NewUniform(fg)
			drawer.Dot = fixed.P(x, y+ascent)
			drawer.DrawString(string(ch))
		}
	}

	final := image.Image(img)
	if width > maxImageWidth {
		final = imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, final); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// mapColor resolves a vt10x colour to RGBA. Indexed colours use the ANSI
// palette or the xterm 256-colour ramp; the emulator's default markers map
// to the theme colours.
func mapColor(c vt10x.Color, fallback color.RGBA) color.RGBA {
	switch {
	case c == vt10x.DefaultFG:
		return defaultFG
	case c == vt10x.DefaultBG:
		return defaultBG
	case c < 16:
		return ansiPalette[c]
	case c < 256:
		return xterm256(uint8(c))
	}
	return fallback
}

// xterm256 expands indices 16..255: a 6x6x6 colour cube followed by a
// 24-step grayscale ramp.
func xterm256(idx uint8) color.RGBA {
	if idx < 16 {
		return ansiPalette[idx]
	}
	if idx < 232 {
		i := idx - 16
		levels := [6]uint8{0x00, 0x5F, 0x87, 0xAF, 0xD7, 0xFF}
		return color.RGBA{
			R: levels[i/36],
			G: levels[(i/6)%6],
			B: levels[i%6],
			A: 0xFF,
		}
	}
	gray := 8 + 10*(idx-232)
	return color.RGBA{R: gray, G: gray, B: gray, A: 0xFF}
}
