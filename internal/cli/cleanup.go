package cli

// CleanUpAction selects the normalisation steps applied to a copy of the
// received buffer before patterns are tested against it.
type CleanUpAction uint8

const (
	// StripANSI removes ANSI/VT escape sequences and non-printable control
	// characters. Newline, tab, carriage return and backspace are kept for the
	// later steps.
	StripANSI CleanUpAction = 1 << iota
	// ProcessBackspaces applies each backspace to the character before it.
	ProcessBackspaces
	// ProcessCarriageReturns simulates terminal line overwrite on a bare CR.
	ProcessCarriageReturns
	// NormalizeLineEndings converts CRLF to LF and drops a trailing CR from
	// multi-line buffers.
	NormalizeLineEndings

	// CleanUpNone disables every step when set on a Command. A zero value on
	// a Command means "use the session default".
	CleanUpNone CleanUpAction = 1 << 7
)

// DefaultCleanUp is the set applied when neither the session nor the command
// overrides it.
const DefaultCleanUp = StripANSI | ProcessBackspaces | ProcessCarriageReturns

const (
	esc = '\x1b'
	bel = '\x07'
	bs  = '\b'
)

// Clean applies the selected actions to text, in a fixed order: escapes,
// backspaces, carriage returns, line endings.
func Clean(text string, actions CleanUpAction) string {
	if text == "" || actions&CleanUpNone != 0 || actions == 0 {
		return text
	}
	buf := []rune(text)
	if actions&StripANSI != 0 {
		buf = stripANSI(buf)
	}
	if actions&ProcessBackspaces != 0 {
		buf = processBackspaces(buf)
	}
	if actions&ProcessCarriageReturns != 0 {
		buf = processCarriageReturns(buf)
	}
	if actions&NormalizeLineEndings != 0 {
		buf = normalizeLineEndings(buf)
	}
	return string(buf)
}

func stripANSI(in []rune) []rune {
	out := make([]rune, 0, len(in))
	i := 0
	for i < len(in) {
		ch := in[i]
		if ch == esc {
			if i+1 >= len(in) {
				i++
				continue
			}
			next := in[i+1]
			switch {
			case next == '[':
				// CSI: ESC [ params... final letter (@-Z, a-z)
				j := i + 2
				for j < len(in) {
					c := in[j]
					j++
					if (c >= '@' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						break
					}
				}
				i = j
			case next == ']':
				// OSC: terminated by BEL or ESC \
				j := i + 2
				for j < len(in) {
					if in[j] == bel {
						j++
						break
					}
					if in[j] == esc && j+1 < len(in) && in[j+1] == '\\' {
						j += 2
						break
					}
					j++
				}
				i = j
			case (next == '(' || next == ')') && i+2 < len(in):
				i += 3
			default:
				// ESC =, ESC > and any other two-character sequence.
				i += 2
			}
			continue
		}
		if isStrippedControl(ch) {
			i++
			continue
		}
		out = append(out, ch)
		i++
	}
	return out
}

func isStrippedControl(ch rune) bool {
	switch {
	case ch <= 0x07:
		return true
	case ch == 0x0b || ch == 0x0c:
		return true
	case ch >= 0x0e && ch <= 0x1f:
		return true
	case ch == 0x7f:
		return true
	}
	return false
}

// processBackspaces deletes every "x\b" pair, cascading, so "abc\b\b\b"
// becomes "". A backspace with nothing before it stays.
func processBackspaces(in []rune) []rune {
	out := make([]rune, 0, len(in))
	for _, ch := range in {
		if ch == bs && len(out) > 0 && out[len(out)-1] != bs {
			out = out[:len(out)-1]
			continue
		}
		out = append(out, ch)
	}
	return out
}

// processCarriageReturns rewrites the current line when a CR is followed by
// content: the new content overwrites the line position by position and the
// rest of the old line is kept. A single CR with nothing after it (end of
// buffer or before LF) is kept; a run of CRs with nothing after is dropped.
func processCarriageReturns(buf []rune) []rune {
	i, lineStart := 0, 0
	for i < len(buf) {
		switch buf[i] {
		case '\n':
			i++
			lineStart = i
		case '\r':
			crStart := i
			for i < len(buf) && buf[i] == '\r' {
				i++
			}
			crCount := i - crStart
			contentEnd := i
			for contentEnd < len(buf) && buf[contentEnd] != '\r' && buf[contentEnd] != '\n' {
				contentEnd++
			}
			content := buf[i:contentEnd]
			if len(content) > 0 {
				line := buf[lineStart:crStart]
				merged := make([]rune, 0, max(len(line), len(content)))
				merged = append(merged, content...)
				if len(line) > len(content) {
					merged = append(merged, line[len(content):]...)
				}
				rebuilt := make([]rune, 0, len(buf))
				rebuilt = append(rebuilt, buf[:lineStart]...)
				rebuilt = append(rebuilt, merged...)
				rebuilt = append(rebuilt, buf[contentEnd:]...)
				buf = rebuilt
				i = lineStart + len(merged)
			} else if crCount > 1 {
				buf = append(buf[:crStart], buf[crStart+crCount:]...)
				i = crStart
			}
		default:
			i++
		}
	}
	return buf
}

func normalizeLineEndings(in []rune) []rune {
	multiline := false
	for _, ch := range in {
		if ch == '\n' {
			multiline = true
			break
		}
	}
	out := make([]rune, 0, len(in))
	for i, ch := range in {
		if ch == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				continue
			}
			if i+1 == len(in) && multiline {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}
