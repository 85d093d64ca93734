// Package persistence stores trained forests.
//
// A snapshot is two CRC-checked frames: a JSON header describing the model
// (identifier, metric, precision, sizes) followed by the gob encoded graph.
// ExportJSON writes a human readable document carrying the metric as a
// symbolic tag, and ImportJSON reads it back.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/kektoropf/pkg/core/distance"
	"github.com/sanonone/kektoropf/pkg/core/graph"
)

// FormatVersion is bumped whenever the snapshot layout changes.
const FormatVersion = 1

var (
	// ErrNotTrained is returned when storing a graph that holds no forest.
	ErrNotTrained = errors.New("graph is not trained")
	// ErrVersion is returned for snapshots written by an unknown format version.
	ErrVersion = errors.New("unsupported snapshot version")
	// ErrCorrupt is returned when the header disagrees with the decoded graph.
	ErrCorrupt = errors.New("snapshot is corrupt")
)

// Header describes a stored model.
type Header struct {
	ID         string             `json:"id"`
	Version    int                `json:"version"`
	Metric     distance.Metric    `json:"metric"`
	Precision  distance.Precision `json:"precision"`
	Nodes      int                `json:"nodes"`
	Features   int                `json:"features"`
	Prototypes int                `json:"prototypes"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewHeader fills a header for g with a fresh identifier.
func NewHeader(g *graph.Graph, metric distance.Metric, precision distance.Precision) Header {
	return Header{
		ID:         uuid.NewString(),
		Version:    FormatVersion,
		Metric:     metric,
		Precision:  precision,
		Nodes:      g.Len(),
		Features:   g.NFeatures,
		Prototypes: g.NumPrototypes(),
		CreatedAt:  time.Now().UTC(),
	}
}

// Save writes a snapshot of g to w.
func Save(w io.Writer, h Header, g *graph.Graph) error {
	if !g.Trained {
		return ErrNotTrained
	}

	headerBytes, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	var graphBytes bytes.Buffer
	if err := gob.NewEncoder(&graphBytes).Encode(g); err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}

	bw := bufio.NewWriter(w)
	fw := NewFrameWriter(bw)
	if err := fw.WriteFrame(OpCodeHeader, headerBytes); err != nil {
		return err
	}
	if err := fw.WriteFrame(OpCodeGraph, graphBytes.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a snapshot written by Save.
func Load(r io.Reader) (Header, *graph.Graph, error) {
	var h Header

	payload, err := readExpected(r, OpCodeHeader)
	if err != nil {
		return h, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(payload, &h); err != nil {
		return h, nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Version != FormatVersion {
		return h, nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	payload, err = readExpected(r, OpCodeGraph)
	if err != nil {
		return h, nil, fmt.Errorf("failed to read graph: %w", err)
	}
	g := new(graph.Graph)
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(g); err != nil {
		return h, nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	g.RebuildIndex()

	if err := verify(h, g); err != nil {
		return h, nil, err
	}
	return h, g, nil
}

// verify cross-checks a decoded graph against its header.
func verify(h Header, g *graph.Graph) error {
	if g.Len() != h.Nodes || g.NumPrototypes() != h.Prototypes {
		return fmt.Errorf("%w: header declares %d nodes / %d prototypes, graph has %d / %d",
			ErrCorrupt, h.Nodes, h.Prototypes, g.Len(), g.NumPrototypes())
	}
	return nil
}

// SaveFile writes a snapshot to path, replacing it atomically.
func SaveFile(path string, h Header, g *graph.Graph) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Save(f, h, g); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile reads a snapshot from path.
func LoadFile(path string) (Header, *graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Load(bufio.NewReader(f))
}

// --- JSON export ---

type document struct {
	Header Header       `json:"header"`
	Graph  *graph.Graph `json:"graph"`
}

// ExportJSON writes g and its header as an indented JSON document.
func ExportJSON(w io.Writer, h Header, g *graph.Graph) error {
	if !g.Trained {
		return ErrNotTrained
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(document{Header: h, Graph: g})
}

// ImportJSON reads a document written by ExportJSON.
func ImportJSON(r io.Reader) (Header, *graph.Graph, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Header{}, nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc.Header.Version != FormatVersion {
		return doc.Header, nil, fmt.Errorf("%w: %d", ErrVersion, doc.Header.Version)
	}
	if doc.Graph == nil {
		return doc.Header, nil, fmt.Errorf("%w: missing graph", ErrCorrupt)
	}
	if _, err := distance.ParseMetric(string(doc.Header.Metric)); err != nil {
		return doc.Header, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	doc.Graph.RebuildIndex()
	if err := verify(doc.Header, doc.Graph); err != nil {
		return doc.Header, nil, err
	}
	return doc.Header, doc.Graph, nil
}
