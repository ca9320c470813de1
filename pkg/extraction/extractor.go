// Package extraction summarizes the gray matter, white matter and CSF
// compartments of a template-aligned 4-D image. For each compartment it
// reports the mean signal of every observation and the scores of the top
// principal components across the compartment's voxels.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/config"
	"tissuecomp/pkg/decomposition"
	"tissuecomp/pkg/masking"
	"tissuecomp/pkg/nifti"
)

// Re-exported so callers only need this package to classify failures
var (
	ErrMissingInput      = config.ErrMissingInput
	ErrEmptyMask         = masking.ErrEmptyMask
	ErrAllVoxelsRemoved  = decomposition.ErrAllVoxelsRemoved
	ErrTooManyComponents = decomposition.ErrTooManyComponents
)

// ErrDuplicateOutput is returned when two datasets of a batch would write
// outputs under the same name
var ErrDuplicateOutput = errors.New("datasets share an output name")

// Params holds the extraction parameters.
type Params struct {
	// Masks maps each tissue compartment to its mask file
	Masks config.MaskSet

	// Threshold binarizes the masks; voxels strictly above it are selected
	Threshold float64

	// Resample allows masks on a different grid to be resampled onto the
	// data grid. When false such masks are an error.
	Resample bool

	// NumComponents is the number of principal components kept per
	// compartment. Zero disables the decomposition.
	NumComponents int

	// NumWorkers bounds how many datasets ExtractBatch processes at once
	NumWorkers int

	// OutputDir receives masks and component maps when they are saved
	OutputDir string

	// SaveMasks writes the binarized, grid-conformed masks
	SaveMasks bool

	// SaveComponentMaps writes one voxel loading map per component
	SaveComponentMaps bool

	// SavePreviews writes JPEG overlays of each mask on the first volume
	SavePreviews bool

	// Logger receives progress messages. Nil disables logging.
	Logger *zap.Logger
}

// ParamsFromConfig builds extraction parameters from a loaded configuration
func ParamsFromConfig(cfg *config.Config, logger *zap.Logger) *Params {
	return &Params{
		Masks:             cfg.MaskSet(),
		Threshold:         cfg.Masks.Threshold,
		Resample:          cfg.Masks.Resample,
		NumComponents:     cfg.Processing.NumComponents,
		NumWorkers:        cfg.Processing.NumWorkers,
		OutputDir:         cfg.Output.Dir,
		SaveMasks:         cfg.Output.SaveMasks,
		SaveComponentMaps: cfg.Output.SaveComponentMaps,
		SavePreviews:      cfg.Output.Preview,
		Logger:            logger,
	}
}

// CompartmentSummary describes how one compartment was summarized
type CompartmentSummary struct {
	Tissue models.Tissue

	// Voxels is the number of voxels selected by the mask
	Voxels int

	// Removed is the number of voxels excluded from the decomposition
	// because they held non-finite values
	Removed int

	// Resampled reports whether the mask was resampled onto the data grid
	Resampled bool

	// VarianceRatio is the fraction of variance explained by each component
	VarianceRatio []float64
}

// Result is the summary table of one dataset
type Result struct {
	// RunID identifies this extraction
	RunID uuid.UUID

	// Source is the dataset path, or the first path of a stacked dataset
	Source string

	// Observations is the number of rows
	Observations int

	// Components is the number of principal components per compartment
	Components int

	// Columns names the table columns: for each compartment in gm, wm, csf
	// order, <prefix>_mean followed by <prefix>_pc1 .. <prefix>_pcK
	Columns []string

	// Rows holds one row per observation, aligned with Columns
	Rows [][]float64

	// Compartments summarizes each compartment in column order
	Compartments []CompartmentSummary

	// CreatedAt is when the extraction finished
	CreatedAt time.Time
}

// Column returns the values of the named column
func (r *Result) Column(name string) ([]float64, error) {
	for j, c := range r.Columns {
		if c == name {
			col := make([]float64, len(r.Rows))
			for i, row := range r.Rows {
				col[i] = row[j]
			}
			return col, nil
		}
	}
	return nil, fmt.Errorf("no column %q", name)
}

// ColumnNames returns the table header for k components per compartment
func ColumnNames(k int) []string {
	names := make([]string, 0, len(models.Tissues)*(1+k))
	for _, tissue := range models.Tissues {
		names = append(names, MeanColumn(tissue))
		for c := 1; c <= k; c++ {
			names = append(names, ComponentColumn(tissue, c))
		}
	}
	return names
}

// MeanColumn names the mean-signal column of a compartment
func MeanColumn(t models.Tissue) string {
	return t.Prefix() + "_mean"
}

// ComponentColumn names the c-th (1-based) component column of a compartment
func ComponentColumn(t models.Tissue, c int) string {
	return fmt.Sprintf("%s_pc%d", t.Prefix(), c)
}

// Extractor runs the compartment extraction. Masks are read and binarized
// once and reused across datasets.
type Extractor struct {
	params *Params
	logger *zap.Logger

	mu    sync.Mutex
	masks map[models.Tissue]*masking.Mask
}

// NewExtractor creates a new extractor with the provided parameters
func NewExtractor(params *Params) *Extractor {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		params: params,
		logger: logger,
		masks:  make(map[models.Tissue]*masking.Mask),
	}
}

// Extract summarizes the compartments of a single 3-D or 4-D dataset. The
// dataset and all mask files must exist; nothing is read otherwise.
func (e *Extractor) Extract(ctx context.Context, dataPath string) (*Result, error) {
	return e.ExtractFiles(ctx, []string{dataPath})
}

// ExtractFiles summarizes a dataset made of several images stacked along
// the observation axis in the order given
func (e *Extractor) ExtractFiles(ctx context.Context, paths []string) (*Result, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input files")
	}
	if err := e.checkInputs(paths); err != nil {
		return nil, err
	}

	img, err := loadStack(ctx, paths)
	if err != nil {
		return nil, err
	}
	e.logger.Info("loaded dataset",
		zap.String("source", paths[0]),
		zap.Int("files", len(paths)),
		zap.Stringer("grid", img))

	return e.ExtractImage(ctx, img)
}

// checkInputs is the existence check on the dataset and mask files
func (e *Extractor) checkInputs(paths []string) error {
	for _, p := range paths {
		if err := config.CheckFile(p); err != nil {
			return err
		}
	}
	return e.params.Masks.CheckExists()
}

// compartment holds the per-observation summaries of one compartment
type compartment struct {
	summary CompartmentSummary
	means   []float64
	scores  *mat.Dense
}

// ExtractImage summarizes an image already in memory. The three
// compartments are processed concurrently; columns are always in gm, wm,
// csf order.
func (e *Extractor) ExtractImage(ctx context.Context, img *models.Image) (*Result, error) {
	k := e.params.NumComponents
	if k < 0 {
		return nil, fmt.Errorf("number of components must not be negative, got %d", k)
	}

	results := make([]*compartment, len(models.Tissues))
	g, gctx := errgroup.WithContext(ctx)
	for i, tissue := range models.Tissues {
		g.Go(func() error {
			c, err := e.processCompartment(gctx, img, tissue)
			if err != nil {
				return fmt.Errorf("%s: %w", tissue, err)
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	nObs := img.NumObservations()
	res := &Result{
		RunID:        uuid.New(),
		Source:       img.Filename,
		Observations: nObs,
		Components:   k,
		Columns:      ColumnNames(k),
		Rows:         make([][]float64, nObs),
		CreatedAt:    time.Now().UTC(),
	}
	for i := range res.Rows {
		row := make([]float64, 0, len(res.Columns))
		for _, c := range results {
			row = append(row, c.means[i])
			for j := 0; j < k; j++ {
				row = append(row, c.scores.At(i, j))
			}
		}
		res.Rows[i] = row
	}
	for _, c := range results {
		res.Compartments = append(res.Compartments, c.summary)
	}

	e.logger.Info("extraction complete",
		zap.String("run", res.RunID.String()),
		zap.String("source", res.Source),
		zap.Int("observations", nObs),
		zap.Int("columns", len(res.Columns)))
	return res, nil
}

// processCompartment masks img with one tissue mask and summarizes it
func (e *Extractor) processCompartment(ctx context.Context, img *models.Image, tissue models.Tissue) (*compartment, error) {
	mask, err := e.mask(tissue)
	if err != nil {
		return nil, err
	}
	mask, resampled, err := masking.Conform(mask, img, e.params.Resample)
	if err != nil {
		return nil, err
	}
	if resampled {
		e.logger.Debug("resampled mask onto data grid",
			zap.Stringer("tissue", tissue),
			zap.Int("voxels", mask.Count()))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coll, err := masking.Apply(img, mask)
	if err != nil {
		return nil, err
	}

	c := &compartment{
		summary: CompartmentSummary{
			Tissue:    tissue,
			Voxels:    mask.Count(),
			Resampled: resampled,
		},
		means: decomposition.RowMeans(coll),
	}

	if e.params.SaveMasks {
		if err := e.saveMask(img, tissue, mask); err != nil {
			return nil, err
		}
	}
	if e.params.SavePreviews {
		if err := e.savePreviews(img, tissue, mask); err != nil {
			return nil, err
		}
	}

	// Observations missing across the whole compartment keep a NaN mean
	// and NaN scores but do not remove any voxel
	nObs := img.NumObservations()
	rows := decomposition.FiniteRows(coll)
	if len(rows) > 0 && len(rows) < nObs {
		e.logger.Warn("observations without finite voxels",
			zap.Stringer("tissue", tissue),
			zap.Int("missing", nObs-len(rows)))
		if coll, err = decomposition.SelectRows(coll, rows); err != nil {
			return nil, err
		}
	}
	if len(rows) > 0 {
		c.summary.Removed = decomposition.RemoveNonFinite(coll)
	} else {
		c.summary.Removed = c.summary.Voxels
	}

	k := e.params.NumComponents
	if k == 0 {
		c.scores = &mat.Dense{}
		e.logCompartment(c)
		return c, nil
	}
	if c.summary.Removed == c.summary.Voxels {
		return nil, ErrAllVoxelsRemoved
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pcs, err := decomposition.PCA(coll, k)
	if err != nil {
		return nil, err
	}
	c.scores = expandRows(pcs.Scores, rows, nObs)
	c.summary.VarianceRatio = pcs.VarianceRatio

	if e.params.SaveComponentMaps {
		if err := e.saveComponentMaps(img, tissue, mask, pcs); err != nil {
			return nil, err
		}
	}

	e.logCompartment(c)
	return c, nil
}

// expandRows places the rows of scores at the given observations of an
// n-row matrix; other observations are NaN
func expandRows(scores *mat.Dense, rows []int, n int) *mat.Dense {
	r, k := scores.Dims()
	if r == n {
		return scores
	}
	out := mat.NewDense(n, k, nil)
	nan := make([]float64, k)
	for j := range nan {
		nan[j] = math.NaN()
	}
	for i := 0; i < n; i++ {
		out.SetRow(i, nan)
	}
	for i, obs := range rows {
		out.SetRow(obs, mat.Row(nil, i, scores))
	}
	return out
}

func (e *Extractor) logCompartment(c *compartment) {
	e.logger.Debug("summarized compartment",
		zap.Stringer("tissue", c.summary.Tissue),
		zap.Int("voxels", c.summary.Voxels),
		zap.Int("removed", c.summary.Removed),
		zap.Float64s("varianceRatio", c.summary.VarianceRatio))
}

// mask returns the binarized mask of a tissue, reading it on first use
func (e *Extractor) mask(tissue models.Tissue) (*masking.Mask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.masks[tissue]; ok {
		return m, nil
	}

	path, ok := e.params.Masks[tissue]
	if !ok {
		return nil, fmt.Errorf("%w: no mask configured", ErrMissingInput)
	}
	img, err := nifti.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load mask: %w", err)
	}
	m, err := masking.Binarize(img, e.params.Threshold)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("loaded mask",
		zap.Stringer("tissue", tissue),
		zap.String("path", path),
		zap.Int("voxels", m.Count()))

	e.masks[tissue] = m
	return m, nil
}

// ExtractBatch runs Extract over many datasets with at most NumWorkers in
// flight. Results are returned in input order; the first failure cancels
// the remaining work. Datasets whose outputs would collide are rejected
// before any is read.
func (e *Extractor) ExtractBatch(ctx context.Context, dataPaths []string) ([]*Result, error) {
	workers := e.params.NumWorkers
	if workers < 1 {
		workers = 1
	}

	if err := checkOutputNames(dataPaths); err != nil {
		return nil, err
	}

	results := make([]*Result, len(dataPaths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var done int
	var mu sync.Mutex
	for i, path := range dataPaths {
		g.Go(func() error {
			res, err := e.Extract(gctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = res

			mu.Lock()
			done++
			e.logger.Info("dataset finished",
				zap.String("source", path),
				zap.Int("completed", done),
				zap.Int("total", len(dataPaths)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkOutputNames rejects paths that map to the same output file stem,
// such as site-a/sub-01.nii.gz and site-b/sub-01.nii.gz
func checkOutputNames(paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		stem := nifti.TrimExt(p)
		if prev, ok := seen[stem]; ok {
			return fmt.Errorf("%w: %s and %s both write %q", ErrDuplicateOutput, prev, p, stem)
		}
		seen[stem] = p
	}
	return nil
}
