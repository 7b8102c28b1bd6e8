package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/inkwall/pkg/canvasdoc"
)

// RenderHistoryToSvg draws the change graph of a canvas document, labelling each change with the number of painted
// cells at that point.
func RenderHistoryToSvg(doc *automerge.Doc, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d cells=%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), canvasdoc.Count(docAt)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func tempPath(ext string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("inkwall-%d%d.%s", time.Now().UnixNano(), rand.Int(), ext))
}

func RenderHistoryToTemp(doc *automerge.Doc) (string, error) {
	tf := tempPath("svg")
	if err := RenderHistoryToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
