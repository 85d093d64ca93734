// Package dataset reads labeled samples in the OPF file layout.
//
// Every record is [id, label, f1, ..., fk]. Records come from comma separated
// files (.csv), whitespace separated files (.txt) or JSON documents of the
// form {"data": [{"id": 0, "label": 1, "features": [...]}, ...]}.
package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrFormat is returned for malformed records.
	ErrFormat = errors.New("bad dataset format")
	// ErrLabels is returned when labels are not 1..n with n >= 2.
	ErrLabels = errors.New("bad labels")
	// ErrUnsupported is returned for unknown file extensions.
	ErrUnsupported = errors.New("unsupported dataset extension")
	// ErrRatio is returned for split ratios outside (0, 1).
	ErrRatio = errors.New("split ratio must be in (0, 1)")
)

// Load reads a dataset, choosing the decoder from the file extension.
func Load(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records [][]float64
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		records, err = ReadCSV(f)
	case ".txt":
		records, err = ReadText(f)
	case ".json":
		records, err = ReadJSON(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("Dataset loaded", "path", path, "records", len(records))
	return records, nil
}

// ReadCSV decodes comma separated records. All records must have the width of
// the first one.
func ReadCSV(r io.Reader) ([][]float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	var records [][]float64
	for line := 1; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		rec, err := parseFields(fields, line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, checkWidth(records)
}

// ReadText decodes whitespace separated records, one per line. Blank lines
// are skipped.
func ReadText(r io.Reader) ([][]float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var records [][]float64
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		rec, err := parseFields(fields, line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, checkWidth(records)
}

type jsonDocument struct {
	Data []struct {
		ID       float64   `json:"id"`
		Label    float64   `json:"label"`
		Features []float64 `json:"features"`
	} `json:"data"`
}

// ReadJSON decodes a {"data": [...]} document.
func ReadJSON(r io.Reader) ([][]float64, error) {
	var doc jsonDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	records := make([][]float64, len(doc.Data))
	for i, d := range doc.Data {
		rec := make([]float64, 0, len(d.Features)+2)
		rec = append(rec, d.ID, d.Label)
		records[i] = append(rec, d.Features...)
	}
	return records, checkWidth(records)
}

func parseFields(fields []string, line int) ([]float64, error) {
	rec := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d field %d: %v", ErrFormat, line, i+1, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: line %d field %d is not finite", ErrFormat, line, i+1)
		}
		rec[i] = v
	}
	return rec, nil
}

func checkWidth(records [][]float64) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records", ErrFormat)
	}
	width := len(records[0])
	if width < 3 {
		return fmt.Errorf("%w: records need id, label and at least one feature", ErrFormat)
	}
	for i, rec := range records {
		if len(rec) != width {
			return fmt.Errorf("%w: record %d has %d fields, want %d", ErrFormat, i+1, len(rec), width)
		}
	}
	return nil
}

// Parse splits records into features and labels. Labels must cover 1..n
// with at least two distinct values.
func Parse(records [][]float64) ([][]float32, []int, error) {
	if err := checkWidth(records); err != nil {
		return nil, nil, err
	}
	x := make([][]float32, len(records))
	y := make([]int, len(records))
	seen := make(map[int]bool)
	top := 0
	for i, rec := range records {
		label := int(rec[1])
		if float64(label) != rec[1] || label < 1 {
			return nil, nil, fmt.Errorf("%w: record %d has label %v", ErrLabels, i+1, rec[1])
		}
		y[i] = label
		seen[label] = true
		top = max(top, label)

		row := make([]float32, len(rec)-2)
		for j, v := range rec[2:] {
			row[j] = float32(v)
		}
		x[i] = row
	}
	if len(seen) < 2 {
		return nil, nil, fmt.Errorf("%w: at least two distinct labels are required", ErrLabels)
	}
	if len(seen) != top {
		return nil, nil, fmt.Errorf("%w: labels must be sequential, e.g. 1, 2, ..., n", ErrLabels)
	}
	return x, y, nil
}

// Split shuffles the samples and puts the first ratio of them in the first
// set, the rest in the second.
func Split(x [][]float32, y []int, ratio float64, rng *rand.Rand) ([][]float32, []int, [][]float32, []int, error) {
	if len(x) != len(y) {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d samples, %d labels", ErrFormat, len(x), len(y))
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("%w: got %v", ErrRatio, ratio)
	}
	perm := rng.Perm(len(x))
	halt := int(float64(len(x)) * ratio)

	x1, y1 := make([][]float32, 0, halt), make([]int, 0, halt)
	x2, y2 := make([][]float32, 0, len(x)-halt), make([]int, 0, len(x)-halt)
	for i, idx := range perm {
		if i < halt {
			x1, y1 = append(x1, x[idx]), append(y1, y[idx])
		} else {
			x2, y2 = append(x2, x[idx]), append(y2, y[idx])
		}
	}
	slog.Debug("Dataset split", "first", len(x1), "second", len(x2))
	return x1, y1, x2, y2, nil
}
