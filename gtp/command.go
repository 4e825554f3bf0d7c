package gtp

import (
	"fmt"
	"strings"
)

// Color is the side to move, in the lowercase form GTP engines accept.
type Color string

const (
	Black Color = "b"
	White Color = "w"
)

func (c Color) Other() Color {
	if c == Black {
		return White
	}
	return Black
}

// DefaultPassReplayLimit is the last 0-based history index at which a pass is still replayed.
const DefaultPassReplayLimit = 20

const (
	ClearBoard = "clear_board"
	Stop       = "stop"
)

func Komi(komi float64) string { return fmt.Sprintf("komi %f", komi) }

func PlayCmd(c Color, vertex string) string { return fmt.Sprintf("play %s %s", c, vertex) }

func GenMove(c Color) string { return "genmove " + string(c) }

// KataAnalyze asks for analysis every interval centiseconds, optionally including ownership.
func KataAnalyze(interval int, ownership bool) string {
	return fmt.Sprintf("kata-analyze %d ownership %t", interval, ownership)
}

// Replay turns a move history into play commands, alternating colors from first.
// A history entry may carry a leading color ("b A1"); it is ignored because colors always alternate.
// Passes at an index past passLimit are not sent, but still consume a turn.
// The returned color is the side to move after the whole history.
func Replay(history []string, first Color, passLimit int) ([]string, Color) {
	cmds := make([]string, 0, len(history))
	color := first
	for idx, tok := range history {
		vertex := stripColor(tok)
		if !IsPass(vertex) || idx <= passLimit {
			cmds = append(cmds, PlayCmd(color, vertex))
		}
		color = color.Other()
	}
	return cmds, color
}

// IsPass reports whether a history vertex is a pass.
func IsPass(vertex string) bool {
	return strings.EqualFold(strings.TrimSpace(vertex), "pass")
}

func stripColor(tok string) string {
	fields := strings.Fields(tok)
	if len(fields) == 2 {
		switch strings.ToLower(fields[0]) {
		case "b", "w", "black", "white":
			return fields[1]
		}
	}
	return strings.TrimSpace(tok)
}
