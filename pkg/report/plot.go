package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/extraction"
	"tissuecomp/pkg/nifti"
)

// PlotPath is where the signal plot of a compartment is written inside dir
func PlotPath(dir string, res *extraction.Result, tissue models.Tissue) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.png", nifti.TrimExt(res.Source), tissue.Prefix()))
}

// PlotCompartment renders the mean signal and component scores of one
// compartment against the observation index. Each series is z-scored so
// they share an axis.
func PlotCompartment(res *extraction.Result, tissue models.Tissue) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%s)", tissue, res.Source)
	p.X.Label.Text = "Observation"
	p.Y.Label.Text = "z-score"
	p.Add(plotter.NewGrid())

	names := []string{extraction.MeanColumn(tissue)}
	for c := 1; c <= res.Components; c++ {
		names = append(names, extraction.ComponentColumn(tissue, c))
	}

	for i, name := range names {
		values, err := res.Column(name)
		if err != nil {
			return nil, err
		}
		pts := make(plotter.XYs, 0, len(values))
		for obs, v := range zscore(values) {
			if math.IsNaN(v) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(obs), Y: v})
		}
		if len(pts) == 0 {
			continue
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s line: %w", name, err)
		}
		line.Width = vg.Points(1)
		if i == 0 {
			line.Color = color.Black
			line.Width = vg.Points(2)
		} else {
			line.Color = plotutil.Color(i - 1)
		}
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	return p, nil
}

// SavePlots writes one PNG per compartment into dir and returns the paths
func SavePlots(dir string, res *extraction.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	var paths []string
	for _, tissue := range models.Tissues {
		p, err := PlotCompartment(res, tissue)
		if err != nil {
			return nil, err
		}
		path := PlotPath(dir, res, tissue)
		if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
			return nil, fmt.Errorf("failed to save plot %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// zscore standardizes values ignoring NaN. A constant series maps to zero.
func zscore(values []float64) []float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}

	out := make([]float64, len(values))
	var mean, sd float64
	if len(finite) > 1 {
		mean, sd = stat.MeanStdDev(finite, nil)
	} else if len(finite) == 1 {
		mean = finite[0]
	}
	for i, v := range values {
		switch {
		case math.IsNaN(v):
			out[i] = math.NaN()
		case sd == 0:
			out[i] = 0
		default:
			out[i] = (v - mean) / sd
		}
	}
	return out
}
