package viz

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/colornames"

	"github.com/astromechza/inkwall/pkg/canvas"
)

var ErrUnknownColor = errors.New("unknown color")

// CellAt translates a pointer position in rendered pixels to a grid cell.
func CellAt(px, py float64, scale, gridSize int) (int, int, bool) {
	if scale <= 0 || px < 0 || py < 0 {
		return 0, 0, false
	}
	x, y := int(px)/scale, int(py)/scale
	if !canvas.InBounds(x, y, gridSize) {
		return 0, 0, false
	}
	return x, y, true
}

// ParseColor accepts #rgb, #rrggbb or a CSS color name.
func ParseColor(raw string) (color.Color, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "#") {
		if c, ok := colornames.Map[strings.ToLower(s)]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownColor, raw)
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColor, raw)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColor, raw)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

func draw(pixels map[string]string, gridSize, scale int) *gg.Context {
	dc := gg.NewContext(gridSize*scale, gridSize*scale)
	dc.SetColor(colornames.White)
	dc.Clear()
	for key, raw := range pixels {
		x, y, err := canvas.ParseKey(key)
		if err != nil || !canvas.InBounds(x, y, gridSize) {
			continue
		}
		c, err := ParseColor(raw)
		if err != nil {
			continue
		}
		dc.SetColor(c)
		dc.DrawRectangle(float64(x*scale), float64(y*scale), float64(scale), float64(scale))
		dc.Fill()
	}
	return dc
}

// RenderPNG draws a pixel snapshot at scale screen pixels per cell. Cells with unparsable keys or colors are skipped.
func RenderPNG(pixels map[string]string, gridSize, scale int, w io.Writer) error {
	if gridSize <= 0 || scale <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", gridSize, scale)
	}
	if err := draw(pixels, gridSize, scale).EncodePNG(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func RenderPNGToTemp(pixels map[string]string, gridSize, scale int) (string, error) {
	tf := tempPath("png")
	f, err := os.Create(tf)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tf, err)
	}
	defer f.Close()
	if err := RenderPNG(pixels, gridSize, scale, f); err != nil {
		return "", err
	}
	return tf, nil
}
