// Package canvasdoc reads and writes the pixel map held in an automerge document. Cells are individual map keys so
// concurrent writes to different cells merge instead of replacing each other.
package canvasdoc

import (
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/inkwall/pkg/canvas"
)

// PixelsKey is the root key of the pixel map.
const PixelsKey = "pixels"

// New returns an empty canvas document with a seed commit.
func New() (*automerge.Doc, error) {
	doc := automerge.New()
	if _, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return doc, nil
}

// Pixels returns the current pixel map. A document without a pixel map is an empty canvas.
func Pixels(doc *automerge.Doc) (map[string]string, error) {
	out := make(map[string]string)
	v, err := doc.Path(PixelsKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read pixels: %w", err)
	}
	if v.Kind() != automerge.KindMap {
		return out, nil
	}
	m := v.Map()
	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list pixels: %w", err)
	}
	for _, key := range keys {
		cv, err := m.Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read pixel %s: %w", key, err)
		}
		if cv.Kind() != automerge.KindStr {
			continue
		}
		out[key] = cv.Str()
	}
	return out, nil
}

// Apply sets every cell of pixels in the document and commits the result as one change. Cells must already be
// validated against the grid.
func Apply(doc *automerge.Doc, pixels map[string]string, message string) error {
	if len(pixels) == 0 {
		return nil
	}
	for key, color := range pixels {
		if err := doc.Path(PixelsKey, key).Set(color); err != nil {
			return fmt.Errorf("failed to set pixel %s: %w", key, err)
		}
	}
	if _, err := doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit pixels: %w", err)
	}
	return nil
}

// Repair deletes every entry of the pixel map that is not a canonical in-bounds key holding a non-empty string, and
// commits the deletions as one change. A root value that is not a map is removed entirely. It returns the number of
// entries removed.
func Repair(doc *automerge.Doc, size int) (int, error) {
	v, err := doc.Path(PixelsKey).Get()
	if err != nil {
		return 0, fmt.Errorf("failed to read pixels: %w", err)
	}
	removed := 0
	switch v.Kind() {
	case automerge.KindMap:
		m := v.Map()
		keys, err := m.Keys()
		if err != nil {
			return 0, fmt.Errorf("failed to list pixels: %w", err)
		}
		for _, key := range keys {
			cv, err := m.Get(key)
			if err != nil {
				return removed, fmt.Errorf("failed to read pixel %s: %w", key, err)
			}
			if cv.Kind() == automerge.KindStr && Validate(map[string]string{key: cv.Str()}, size) == nil {
				continue
			}
			if err := m.Delete(key); err != nil {
				return removed, fmt.Errorf("failed to delete pixel %s: %w", key, err)
			}
			removed++
		}
	case automerge.KindVoid:
		return 0, nil
	default:
		if err := doc.RootMap().Delete(PixelsKey); err != nil {
			return 0, fmt.Errorf("failed to delete pixels: %w", err)
		}
		removed = 1
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := doc.Commit(fmt.Sprintf("repair %d", removed)); err != nil {
		return removed, fmt.Errorf("failed to commit repair: %w", err)
	}
	return removed, nil
}

// Delta is the cell difference between two canvas states.
type Delta struct {
	Painted map[string]string
	Cleared []string
}

// Diff returns the cells painted or recoloured in after, and the cells present in before but missing from after.
func Diff(before, after map[string]string) Delta {
	d := Delta{Painted: make(map[string]string)}
	for key, color := range after {
		if prev, ok := before[key]; !ok || prev != color {
			d.Painted[key] = color
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			d.Cleared = append(d.Cleared, key)
		}
	}
	slices.Sort(d.Cleared)
	return d
}

// Count is the number of painted cells, used for history labels.
func Count(doc *automerge.Doc) int {
	px, err := Pixels(doc)
	if err != nil {
		return 0
	}
	return len(px)
}

// Validate reports the first invalid cell in pixels.
func Validate(pixels map[string]string, size int) error {
	for key, color := range pixels {
		x, y, err := canvas.ParseKey(key)
		if err != nil {
			return err
		}
		if err := canvas.ValidateCell(x, y, color, size); err != nil {
			return fmt.Errorf("cell %s: %w", key, err)
		}
	}
	return nil
}
