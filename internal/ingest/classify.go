package ingest

import "bytes"

// Tag is the protocol family of a captured chunk.
type Tag uint8

const (
	TagUnclassified Tag = iota
	TagPositioning
	TagCommand
)

func (t Tag) String() string {
	switch t {
	case TagPositioning:
		return "positioning"
	case TagCommand:
		return "command"
	default:
		return "unclassified"
	}
}

// classifyWindow bounds how many leading bytes Classify looks at.
const classifyWindow = 12

var commandLiterals = [][]byte{
	[]byte("OK"),
	[]byte("ERROR"),
	[]byte("NO CARRIER"),
	[]byte("BUSY"),
	[]byte("NO DIALTONE"),
	[]byte("NO ANSWER"),
	[]byte("CONNECT"),
	[]byte("RDY"),
	[]byte(">"),
}

// Classify tags p by its prefix only. Positioning framing ('$') wins over
// everything; then an "AT" request marker, a '+' continuation or a known
// result literal marks command traffic. Leading CR/LF is skipped.
func Classify(p []byte) Tag {
	skip := 0
	for skip < len(p) && skip < classifyWindow && (p[skip] == '\r' || p[skip] == '\n') {
		skip++
	}
	p = p[skip:]
	if len(p) > classifyWindow {
		p = p[:classifyWindow]
	}
	if len(p) == 0 {
		return TagUnclassified
	}

	switch p[0] {
	case '$':
		return TagPositioning
	case '+':
		return TagCommand
	}
	if len(p) >= 2 && (p[0] == 'A' || p[0] == 'a') && (p[1] == 'T' || p[1] == 't') {
		return TagCommand
	}
	for _, lit := range commandLiterals {
		if bytes.HasPrefix(p, lit) {
			return TagCommand
		}
	}
	return TagUnclassified
}
