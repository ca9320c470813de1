// Package report writes extraction results as CSV or JSON tables and
// renders per-compartment signal plots.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/extraction"
	"tissuecomp/pkg/nifti"
)

// Format selects how a result table is serialized
type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case CSV, JSON:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Extension returns the file extension for the format
func (f Format) Extension() string {
	return "." + string(f)
}

// TablePath is where the table of a result is written inside dir
func TablePath(dir string, res *extraction.Result, f Format) string {
	return filepath.Join(dir, nifti.TrimExt(res.Source)+"_tissue"+f.Extension())
}

// WriteCSV writes the result table with a header row. The first column is
// the zero-based observation index. NaN values are written as empty cells.
func WriteCSV(w io.Writer, res *extraction.Result) error {
	cw := csv.NewWriter(w)

	header := append([]string{"observation"}, res.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for i, row := range res.Rows {
		record[0] = strconv.Itoa(i)
		for j, v := range row {
			record[j+1] = formatFloat(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// jsonCompartment is the JSON form of a compartment summary
type jsonCompartment struct {
	Tissue        string    `json:"tissue"`
	Voxels        int       `json:"voxels"`
	Removed       int       `json:"removed"`
	Resampled     bool      `json:"resampled"`
	VarianceRatio []float64 `json:"varianceRatio,omitempty"`
}

// jsonResult is the JSON form of a result. Rows use pointers so NaN can be
// encoded as null.
type jsonResult struct {
	RunID        string            `json:"runId"`
	Source       string            `json:"source"`
	Observations int               `json:"observations"`
	Components   int               `json:"components"`
	CreatedAt    time.Time         `json:"createdAt"`
	Columns      []string          `json:"columns"`
	Compartments []jsonCompartment `json:"compartments"`
	Rows         [][]*float64      `json:"rows"`
}

// WriteJSON writes the result with its run metadata
func WriteJSON(w io.Writer, res *extraction.Result) error {
	out := jsonResult{
		RunID:        res.RunID.String(),
		Source:       res.Source,
		Observations: res.Observations,
		Components:   res.Components,
		CreatedAt:    res.CreatedAt,
		Columns:      res.Columns,
		Rows:         make([][]*float64, len(res.Rows)),
	}
	for _, c := range res.Compartments {
		out.Compartments = append(out.Compartments, jsonCompartment{
			Tissue:        c.Tissue.Prefix(),
			Voxels:        c.Voxels,
			Removed:       c.Removed,
			Resampled:     c.Resampled,
			VarianceRatio: c.VarianceRatio,
		})
	}
	for i, row := range res.Rows {
		out.Rows[i] = make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) && !math.IsInf(row[j], 0) {
				out.Rows[i][j] = &row[j]
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ReadJSON parses a table written by WriteJSON. Null cells become NaN.
func ReadJSON(r io.Reader) (*extraction.Result, error) {
	var in jsonResult
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("error decoding result: %w", err)
	}

	res := &extraction.Result{
		Source:       in.Source,
		Observations: in.Observations,
		Components:   in.Components,
		CreatedAt:    in.CreatedAt,
		Columns:      in.Columns,
		Rows:         make([][]float64, len(in.Rows)),
	}
	if err := res.RunID.UnmarshalText([]byte(in.RunID)); err != nil {
		return nil, fmt.Errorf("invalid run id: %w", err)
	}
	for _, c := range in.Compartments {
		tissue, err := models.ParseTissue(c.Tissue)
		if err != nil {
			return nil, err
		}
		res.Compartments = append(res.Compartments, extraction.CompartmentSummary{
			Tissue:        tissue,
			Voxels:        c.Voxels,
			Removed:       c.Removed,
			Resampled:     c.Resampled,
			VarianceRatio: c.VarianceRatio,
		})
	}
	for i, row := range in.Rows {
		res.Rows[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				res.Rows[i][j] = math.NaN()
			} else {
				res.Rows[i][j] = *v
			}
		}
	}
	return res, nil
}

// WriteTable writes the result into dir in the given format and returns the
// file path
func WriteTable(dir string, res *extraction.Result, f Format) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating output directory: %w", err)
	}
	path := TablePath(dir, res, f)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("error creating %s: %w", path, err)
	}
	defer file.Close()

	switch f {
	case CSV:
		err = WriteCSV(file, res)
	case JSON:
		err = WriteJSON(file, res)
	default:
		err = fmt.Errorf("unknown output format %q", f)
	}
	if err != nil {
		return "", fmt.Errorf("error writing %s: %w", path, err)
	}
	return path, file.Close()
}
