package canvas

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrOutOfBounds = errors.New("cell out of bounds")
	ErrEmptyColor  = errors.New("color must not be empty")
	ErrInvalidCell = errors.New("invalid cell key")
)

// Key formats a coordinate the way the canvas row stores it: "x,y".
func Key(x, y int) string {
	return strconv.Itoa(x) + "," + strconv.Itoa(y)
}

// ParseKey is the inverse of Key. Only the exact form Key produces is accepted, so "01,1" or "+1,1" never alias
// the cell "1,1".
func ParseKey(key string) (int, int, error) {
	xs, ys, ok := strings.Cut(key, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCell, key)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCell, key)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCell, key)
	}
	if Key(x, y) != key {
		return 0, 0, fmt.Errorf("%w: %q is not canonical", ErrInvalidCell, key)
	}
	return x, y, nil
}

// InBounds reports whether (x, y) lies on a grid of the given size.
func InBounds(x, y, size int) bool {
	return x >= 0 && y >= 0 && x < size && y < size
}

// ValidateCell checks a single cell write against the grid invariants.
func ValidateCell(x, y int, color string, size int) error {
	if !InBounds(x, y, size) {
		return fmt.Errorf("%w: (%d, %d) on a %dx%d grid", ErrOutOfBounds, x, y, size, size)
	}
	if strings.TrimSpace(color) == "" {
		return ErrEmptyColor
	}
	return nil
}

// Sanitize returns a copy of pixels holding only in-bounds, well formed keys with non-empty colors, along with the
// number of entries it dropped.
func Sanitize(pixels map[string]string, size int) (map[string]string, int) {
	out := make(map[string]string, len(pixels))
	dropped := 0
	for key, color := range pixels {
		x, y, err := ParseKey(key)
		if err != nil || ValidateCell(x, y, color, size) != nil {
			dropped++
			continue
		}
		out[key] = color
	}
	return out, dropped
}
