package runner

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes terminal control sequences and trailing carriage
// returns so scrubbed output lines are plain text.
func stripANSI(s string) string {
	return strings.TrimRight(ansiEscapeRegex.ReplaceAllString(s, ""), "\r")
}

// lineBuffer reassembles lines from a chunked byte stream. Sandbox chunks
// carry raw bytes and may split a line anywhere, so bytes are accumulated
// until a newline completes them.
type lineBuffer struct {
	buf []byte
}

// add appends chunk data and returns the lines it completed, without their
// trailing newline.
func (b *lineBuffer) add(data []byte) []string {
	b.buf = append(b.buf, data...)
	var lines []string
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			return lines
		}
		lines = append(lines, string(b.buf[:idx]))
		b.buf = b.buf[idx+1:]
	}
}

// flush returns any incomplete trailing line. Called once when the stream
// ends so the last unterminated line is not dropped.
func (b *lineBuffer) flush() string {
	if len(b.buf) == 0 {
		return ""
	}
	line := string(b.buf)
	b.buf = nil
	return line
}

// agentLine is the envelope probed out of a structured agent output line.
// Only the fields the controller routes on are decoded; the full line is
// forwarded verbatim as the event payload.
type agentLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// parseAgentLine probes a line for a structured agent record. The second
// return is false for anything that is not a JSON object.
func parseAgentLine(line string) (agentLine, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return agentLine{}, false
	}
	var probe agentLine
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return agentLine{}, false
	}
	return probe, true
}

// isInitMarker reports whether the line is the agent's session-creation
// announcement carrying a usable session id.
func (l agentLine) isInitMarker() bool {
	return l.Type == "system" && l.Subtype == "init" && l.SessionID != ""
}

// isTerminal reports whether the line signals an unrecoverable agent-side
// failure: its type is one of the configured terminal types, or it is a
// result flagged as an error.
func (l agentLine) isTerminal(terminalTypes []string) bool {
	for _, t := range terminalTypes {
		if l.Type == t {
			return true
		}
	}
	return l.Type == "result" && l.IsError
}
