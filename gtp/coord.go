package gtp

import (
	"fmt"
	"strconv"
	"strings"
)

// columns are the GTP column letters. "I" is skipped to avoid confusion with "J".
const columns = "ABCDEFGHJKLMNOPQRSTUVWXYZ"

// MaxBoardSize is the largest board GTP coordinates can address.
const MaxBoardSize = len(columns)

// Point is a board intersection. Row and Col are 1-based, row 1 is the bottom row.
type Point struct {
	Row int
	Col int
}

func (p Point) String() string {
	if p.Col < 1 || p.Col > MaxBoardSize || p.Row < 1 {
		return fmt.Sprintf("Point(%d,%d)", p.Row, p.Col)
	}
	return string(columns[p.Col-1]) + strconv.Itoa(p.Row)
}

// ParsePoint decodes a GTP coordinate such as "C3" or "t19". Letters are case-insensitive.
func ParsePoint(s string) (Point, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Point{}, fmt.Errorf("coordinate %q too short", s)
	}
	col := strings.IndexByte(columns, upper(s[0]))
	if col < 0 {
		return Point{}, fmt.Errorf("coordinate %q has invalid column", s)
	}
	row, err := strconv.Atoi(s[1:])
	if err != nil {
		return Point{}, fmt.Errorf("coordinate %q has invalid row: %w", s, err)
	}
	if row < 1 || row > MaxBoardSize {
		return Point{}, fmt.Errorf("coordinate %q row out of range", s)
	}
	return Point{Row: row, Col: col + 1}, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
