package gtp

import (
	"regexp"
	"strconv"
	"strings"
)

// LineKind classifies one line of engine output.
type LineKind int

const (
	// LineIgnored is output nobody cares about. It is dropped without error.
	LineIgnored LineKind = iota
	// LineWinrate is a chat line carrying the engine's current win rate.
	LineWinrate
	// LineLog is the engine's own diagnostic output, marked with "@@".
	LineLog
	// LineReply is a formal success reply ("= ...").
	LineReply
	// LineAnalysis is a streaming kata-analyze line ("info ...").
	LineAnalysis
	// LineError is a formal failure reply ("? ...").
	LineError
)

func (k LineKind) String() string {
	switch k {
	case LineWinrate:
		return "winrate"
	case LineLog:
		return "log"
	case LineReply:
		return "reply"
	case LineAnalysis:
		return "analysis"
	case LineError:
		return "error"
	default:
		return "ignored"
	}
}

const (
	chatMarker     = "CHAT:"
	logMarker      = "@@"
	analysisPrefix = "info "
)

var winrateRE = regexp.MustCompile(`Winrate\s+([0-9]+(?:\.[0-9]*)?)%`)

// Line is a classified output line.
type Line struct {
	Kind LineKind
	// Text is the line as read, without the trailing newline.
	Text string
	// Payload is the trimmed reply text for LineReply and LineError. It may be empty.
	Payload string
	// WinProb is in [0,1] for LineWinrate.
	WinProb float64
}

// Deliverable reports whether the line completes a pending command.
func (l Line) Deliverable() bool {
	switch l.Kind {
	case LineReply:
		return l.Payload != ""
	case LineAnalysis:
		return true
	}
	return false
}

// ParseLine classifies a line of engine output.
// Win rate chat lines are only recognized when wantWinrate is set, so the first win rate of an operation sticks.
func ParseLine(text string, wantWinrate bool) Line {
	text = strings.TrimRight(text, "\r\n")
	l := Line{Kind: LineIgnored, Text: text}

	if wantWinrate && strings.Contains(text, chatMarker) {
		m := winrateRE.FindStringSubmatch(text)
		if m == nil {
			return l
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil || pct < 0 || pct > 100 {
			return l
		}
		l.Kind = LineWinrate
		l.WinProb = pct / 100
		return l
	}

	switch {
	case strings.Contains(text, logMarker):
		l.Kind = LineLog
	case strings.HasPrefix(text, "="):
		l.Kind = LineReply
		l.Payload = replyPayload(text[1:])
	case strings.HasPrefix(text, analysisPrefix):
		l.Kind = LineAnalysis
	case strings.HasPrefix(text, "?"):
		l.Kind = LineError
		l.Payload = replyPayload(text[1:])
	}
	return l
}

// replyPayload strips the optional numeric command id that may follow the status character.
func replyPayload(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && s[i] != ' ' && s[i] != '\t' {
		// "=5C3" is not an id followed by a payload, keep it whole
		i = 0
	}
	return strings.TrimSpace(s[i:])
}

// Ownership returns the whitespace separated values following the "ownership" keyword of an analysis line.
func Ownership(line string) ([]string, bool) {
	_, after, found := strings.Cut(line, "ownership")
	if !found {
		return nil, false
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}
