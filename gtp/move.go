package gtp

import (
	"fmt"
	"strings"
)

type MoveKind int

const (
	KindPlay MoveKind = iota
	KindPass
	KindResign
)

// Move is a play at a point, a pass, or a resignation.
type Move struct {
	Kind  MoveKind
	Point Point
}

func Play(p Point) Move { return Move{Kind: KindPlay, Point: p} }
func Pass() Move        { return Move{Kind: KindPass} }
func Resign() Move      { return Move{Kind: KindResign} }

func (m Move) IsPlay() bool   { return m.Kind == KindPlay }
func (m Move) IsPass() bool   { return m.Kind == KindPass }
func (m Move) IsResign() bool { return m.Kind == KindResign }

func (m Move) String() string {
	switch m.Kind {
	case KindPass:
		return "pass"
	case KindResign:
		return "resign"
	default:
		return m.Point.String()
	}
}

func (m Move) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Move) UnmarshalText(b []byte) error {
	mv, err := ParseMove(string(b))
	if err != nil {
		return err
	}
	*m = mv
	return nil
}

// ParseMove decodes the payload of a genmove reply.
// Anything mentioning pass or resign is taken as such; otherwise it must be a 2 or 3 character coordinate.
func ParseMove(s string) (Move, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "pass"):
		return Pass(), nil
	case strings.Contains(lower, "resign"):
		return Resign(), nil
	case len(s) == 2 || len(s) == 3:
		p, err := ParsePoint(s)
		if err != nil {
			return Move{}, err
		}
		return Play(p), nil
	}
	return Move{}, fmt.Errorf("unrecognized move %q", s)
}
