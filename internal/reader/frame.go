package reader

import "strings"

// frameSentinel marks the start of a credential transmission.
const frameSentinel = "#"

// ExtractTag pulls the credential from one raw reader transmission. A frame
// is sentinel + tag + trailing check byte; the tag is everything between
// them, uppercased. Returns false for blank lines, lines without the
// sentinel, and truncated frames (partial serial reads arrive as short
// lines and carry no usable credential).
func ExtractTag(raw string, tagLen int) (string, bool) {
	frame := strings.TrimSpace(raw)
	if frame == "" || !strings.HasPrefix(frame, frameSentinel) {
		return "", false
	}

	if len(frame) < tagLen {
		return "", false
	}

	return strings.ToUpper(frame[1:tagLen]), true
}
