// Package keymap maps chat commands to the raw bytes a terminal expects.
package keymap

import "fmt"

// Special key byte sequences.
var (
	Tab       = []byte{0x09}
	Enter     = []byte{0x0D}
	Space     = []byte{0x20}
	Delete    = []byte{0x7F}
	Esc       = []byte{0x1B}
	ArrowUp   = []byte{0x1B, '[', 'A'}
	ArrowDown = []byte{0x1B, '[', 'B'}
)

// SpecialKey resolves a key command name (without the leading slash) to its
// byte sequence. The boolean reports whether the name is known.
func SpecialKey(name string) ([]byte, bool) {
	switch name {
	case "tab":
		return Tab, true
	case "enter":
		return Enter, true
	case "space":
		return Space, true
	case "delete":
		return Delete, true
	case "esc":
		return Esc, true
	case "arrowup":
		return ArrowUp, true
	case "arrowdown":
		return ArrowDown, true
	case "ctrlc":
		return []byte{0x03}, true
	case "ctrlx":
		return []byte{0x18}, true
	}
	return nil, false
}

// Ctrl returns the control byte for Ctrl+<char>. Letters a..z map to
// 0x01..0x1A; the punctuation entries follow the ASCII control convention:
// @ -> 0x00, [ -> 0x1B, \ -> 0x1C, ] -> 0x1D, ^ -> 0x1E, _ -> 0x1F,
// ? -> 0x7F.
func Ctrl(char byte) (byte, error) {
	switch {
	case char >= 'a' && char <= 'z':
		return char - 'a' + 1, nil
	case char >= 'A' && char <= 'Z':
		return char - 'A' + 1, nil
	case char == '@':
		return 0x00, nil
	case char == '[':
		return 0x1B, nil
	case char == '\\':
		return 0x1C, nil
	case char == ']':
		return 0x1D, nil
	case char == '^':
		return 0x1E, nil
	case char == '_':
		return 0x1F, nil
	case char == '?':
		return 0x7F, nil
	}
	return 0, fmt.Errorf("no control byte for %q", string(char))
}
