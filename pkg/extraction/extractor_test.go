package extraction

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/config"
	"tissuecomp/pkg/nifti"
)

// signal is the shared time course added to every voxel
var signal = []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 55}

// Grid of the synthetic dataset: compartments are slabs along x
const (
	nx, ny, nz = 6, 4, 3
	voxelMM    = 2.0
)

// tissueOf returns the compartment owning slab x
func tissueOf(x int) models.Tissue {
	return models.Tissues[x/2]
}

// createDataset writes a 4-D image where voxel (x, y, z) at observation t
// holds 100*x + signal[t]
func createDataset(t *testing.T, path string) *models.Image {
	t.Helper()
	img := models.NewImage(nx, ny, nz, len(signal), [3]float64{voxelMM, voxelMM, voxelMM})
	for ti, s := range signal {
		vol := img.Volume(ti)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					vol[img.Index(x, y, z)] = 100*float64(x) + s
				}
			}
		}
	}
	require.NoError(t, nifti.Write(path, img))
	return img
}

// createMasks writes gm/wm/csf probability maps into dir at the given
// upsampling factor relative to the dataset grid
func createMasks(t *testing.T, dir string, factor int) {
	t.Helper()
	size := voxelMM / float64(factor)
	for _, tissue := range models.Tissues {
		m := models.NewImage(nx*factor, ny*factor, nz*factor, 1, [3]float64{size, size, size})
		for z := 0; z < nz*factor; z++ {
			for y := 0; y < ny*factor; y++ {
				for x := 0; x < nx*factor; x++ {
					p := 0.1
					if tissueOf(x/factor) == tissue {
						p = 0.9
					}
					m.Data[m.Index(x, y, z)] = p
				}
			}
		}
		require.NoError(t, nifti.Write(filepath.Join(dir, tissue.DefaultMaskFile()), m))
	}
}

type fixture struct {
	dir    string
	data   string
	params *Params
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	createMasks(t, dir, 1)
	data := filepath.Join(dir, "sub-01_bold.nii.gz")
	createDataset(t, data)

	cfg := config.DefaultConfig()
	cfg.Masks.Dir = dir
	cfg.Processing.NumComponents = 2
	cfg.Processing.NumWorkers = 2
	cfg.Output.Dir = filepath.Join(dir, "out")
	params := ParamsFromConfig(cfg, zaptest.NewLogger(t))

	return &fixture{dir: dir, data: data, params: params}
}

func signalMean() float64 {
	sum := 0.0
	for _, s := range signal {
		sum += s
	}
	return sum / float64(len(signal))
}

func TestColumnNames(t *testing.T) {
	want := []string{"gm_mean", "gm_pc1", "gm_pc2", "wm_mean", "wm_pc1", "wm_pc2", "csf_mean", "csf_pc1", "csf_pc2"}
	if diff := cmp.Diff(want, ColumnNames(2)); diff != "" {
		t.Errorf("ColumnNames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"gm_mean", "wm_mean", "csf_mean"}, ColumnNames(0))
}

func TestExtract(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)

	res, err := NewExtractor(f.params).Extract(context.Background(), f.data)
	require.NoError(t, err)

	assert.Equal(t, f.data, res.Source)
	assert.Equal(t, len(signal), res.Observations)
	assert.Equal(t, 2, res.Components)
	assert.Equal(t, ColumnNames(2), res.Columns)
	require.Len(t, res.Rows, len(signal))
	for _, row := range res.Rows {
		assert.Len(t, row, 3*(1+2))
	}
	assert.NotEmpty(t, res.RunID.String())

	voxelsPerSlab := 2 * ny * nz
	mean := signalMean()
	for ci, tissue := range models.Tissues {
		summary := res.Compartments[ci]
		assert.Equal(t, tissue, summary.Tissue)
		assert.Equal(t, voxelsPerSlab, summary.Voxels)
		assert.Zero(t, summary.Removed)
		assert.False(t, summary.Resampled)
		require.Len(t, summary.VarianceRatio, 2)
		assert.InDelta(t, 1, summary.VarianceRatio[0], 1e-9)

		means, err := res.Column(MeanColumn(tissue))
		require.NoError(t, err)
		pc1, err := res.Column(ComponentColumn(tissue, 1))
		require.NoError(t, err)

		// Slabs x = 2c and 2c+1 average to 100*(2c+0.5)
		offset := 100 * (2*float64(ci) + 0.5)
		scale := math.Sqrt(float64(voxelsPerSlab))
		for i, s := range signal {
			assert.InDelta(t, offset+s, means[i], 1e-9, "%s mean at %d", tissue, i)
			assert.InDelta(t, (s-mean)*scale, pc1[i], 1e-6, "%s pc1 at %d", tissue, i)
		}
	}

	_, err = res.Column("nope")
	assert.Error(t, err)
}

func TestExtractMeansOnly(t *testing.T) {
	f := newFixture(t)
	f.params.NumComponents = 0

	res, err := NewExtractor(f.params).Extract(context.Background(), f.data)
	require.NoError(t, err)
	assert.Equal(t, []string{"gm_mean", "wm_mean", "csf_mean"}, res.Columns)
	for _, row := range res.Rows {
		assert.Len(t, row, 3)
	}
	assert.Nil(t, res.Compartments[0].VarianceRatio)
}

func TestExtractNonFiniteVoxels(t *testing.T) {
	f := newFixture(t)
	img, err := nifti.Read(f.data)
	require.NoError(t, err)

	// One white-matter voxel (x = 2) goes missing at observation 3
	img.Volume(3)[img.Index(2, 0, 0)] = math.NaN()

	res, err := NewExtractor(f.params).ExtractImage(context.Background(), img)
	require.NoError(t, err)

	wm := res.Compartments[1]
	assert.Equal(t, 1, wm.Removed)
	assert.Zero(t, res.Compartments[0].Removed)

	means, err := res.Column("wm_mean")
	require.NoError(t, err)
	// 11 remaining voxels at x = 2 and 12 at x = 3
	want := signal[3] + (11*200.0+12*300.0)/23
	assert.InDelta(t, want, means[3], 1e-9)
	assert.InDelta(t, 250+signal[4], means[4], 1e-9)

	pc1, err := res.Column("wm_pc1")
	require.NoError(t, err)
	for _, v := range pc1 {
		assert.False(t, math.IsNaN(v))
	}
}

func TestExtractMissingObservation(t *testing.T) {
	f := newFixture(t)
	img, err := nifti.Read(f.data)
	require.NoError(t, err)

	// Gray matter is missing entirely at observation 3
	const missing = 3
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < 2; x++ {
				img.Volume(missing)[img.Index(x, y, z)] = math.NaN()
			}
		}
	}

	t.Run("MeansOnly", func(t *testing.T) {
		f.params.NumComponents = 0
		res, err := NewExtractor(f.params).ExtractImage(context.Background(), img)
		require.NoError(t, err)

		gm, err := res.Column("gm_mean")
		require.NoError(t, err)
		for i, s := range signal {
			if i == missing {
				assert.True(t, math.IsNaN(gm[i]))
				continue
			}
			assert.InDelta(t, 50+s, gm[i], 1e-9)
		}
		wm, err := res.Column("wm_mean")
		require.NoError(t, err)
		assert.InDelta(t, 250+signal[missing], wm[missing], 1e-9)
	})

	t.Run("WithComponents", func(t *testing.T) {
		f.params.NumComponents = 2
		res, err := NewExtractor(f.params).ExtractImage(context.Background(), img)
		require.NoError(t, err)
		require.Len(t, res.Rows, len(signal))
		assert.Zero(t, res.Compartments[0].Removed)

		// The decomposition runs over the nine remaining observations
		sum := 0.0
		for i, s := range signal {
			if i != missing {
				sum += s
			}
		}
		mean := sum / float64(len(signal)-1)
		scale := math.Sqrt(float64(2 * ny * nz))

		pc1, err := res.Column("gm_pc1")
		require.NoError(t, err)
		for i, s := range signal {
			if i == missing {
				assert.True(t, math.IsNaN(pc1[i]))
				continue
			}
			assert.InDelta(t, (s-mean)*scale, pc1[i], 1e-6, "gm pc1 at %d", i)
		}

		wmPC1, err := res.Column("wm_pc1")
		require.NoError(t, err)
		assert.InDelta(t, (signal[missing]-signalMean())*scale, wmPC1[missing], 1e-6)
	})
}

func TestExtractResamplesMasks(t *testing.T) {
	f := newFixture(t)
	createMasks(t, f.dir, 2)

	res, err := NewExtractor(f.params).Extract(context.Background(), f.data)
	require.NoError(t, err)
	for _, c := range res.Compartments {
		assert.True(t, c.Resampled)
		assert.Equal(t, 2*ny*nz, c.Voxels)
	}
	means, err := res.Column("csf_mean")
	require.NoError(t, err)
	assert.InDelta(t, 450+signal[0], means[0], 1e-9)

	f.params.Resample = false
	_, err = NewExtractor(f.params).Extract(context.Background(), f.data)
	assert.Error(t, err)
}

func TestExtractMissingInputs(t *testing.T) {
	f := newFixture(t)
	ex := NewExtractor(f.params)

	_, err := ex.Extract(context.Background(), filepath.Join(f.dir, "missing.nii"))
	assert.ErrorIs(t, err, ErrMissingInput)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "csf.nii.gz")))
	_, err = ex.Extract(context.Background(), f.data)
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestExtractErrors(t *testing.T) {
	t.Run("EmptyMask", func(t *testing.T) {
		f := newFixture(t)
		f.params.Threshold = 0.95
		_, err := NewExtractor(f.params).Extract(context.Background(), f.data)
		assert.ErrorIs(t, err, ErrEmptyMask)
	})

	t.Run("TooManyComponents", func(t *testing.T) {
		f := newFixture(t)
		f.params.NumComponents = len(signal) + 1
		_, err := NewExtractor(f.params).Extract(context.Background(), f.data)
		assert.ErrorIs(t, err, ErrTooManyComponents)
	})

	t.Run("AllVoxelsRemoved", func(t *testing.T) {
		f := newFixture(t)
		img, err := nifti.Read(f.data)
		require.NoError(t, err)
		// Every CSF voxel loses one observation, but no observation loses
		// every CSF voxel
		i := 0
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 4; x < 6; x++ {
					img.Volume(i%len(signal))[img.Index(x, y, z)] = math.Inf(1)
					i++
				}
			}
		}
		_, err = NewExtractor(f.params).ExtractImage(context.Background(), img)
		assert.ErrorIs(t, err, ErrAllVoxelsRemoved)

		// Means need no decomposition and skip the infinite voxels
		f.params.NumComponents = 0
		res, err := NewExtractor(f.params).ExtractImage(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, 2*ny*nz, res.Compartments[2].Removed)
		means, err := res.Column("csf_mean")
		require.NoError(t, err)
		for _, m := range means {
			assert.False(t, math.IsNaN(m) || math.IsInf(m, 0))
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewExtractor(f.params).Extract(ctx, f.data)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("NoFiles", func(t *testing.T) {
		f := newFixture(t)
		_, err := NewExtractor(f.params).ExtractFiles(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestExtractFilesStacksVolumes(t *testing.T) {
	f := newFixture(t)
	img, err := nifti.Read(f.data)
	require.NoError(t, err)

	var paths []string
	for ti := range signal {
		vol := models.NewImage(nx, ny, nz, 1, [3]float64{voxelMM, voxelMM, voxelMM})
		copy(vol.Data, img.Volume(ti))
		p := filepath.Join(f.dir, fmt.Sprintf("vol_%02d.nii", ti))
		require.NoError(t, nifti.Write(p, vol))
		paths = append(paths, p)
	}

	ex := NewExtractor(f.params)
	stacked, err := ex.ExtractFiles(context.Background(), paths)
	require.NoError(t, err)
	whole, err := ex.Extract(context.Background(), f.data)
	require.NoError(t, err)

	assert.Equal(t, paths[0], stacked.Source)
	assert.Equal(t, whole.Columns, stacked.Columns)
	for i := range whole.Rows {
		for j := range whole.Rows[i] {
			assert.InDelta(t, whole.Rows[i][j], stacked.Rows[i][j], 1e-6)
		}
	}

	// A volume on another grid cannot be stacked
	odd := filepath.Join(f.dir, "odd.nii")
	require.NoError(t, nifti.Write(odd, models.NewImage(2, 2, 2, 1, [3]float64{1, 1, 1})))
	_, err = ex.ExtractFiles(context.Background(), []string{paths[0], odd})
	assert.Error(t, err)
}

func TestExtractBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)

	paths := []string{f.data}
	for i := 2; i <= 4; i++ {
		p := filepath.Join(f.dir, fmt.Sprintf("sub-%02d_bold.nii.gz", i))
		createDataset(t, p)
		paths = append(paths, p)
	}

	results, err := NewExtractor(f.params).ExtractBatch(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, results, len(paths))
	seen := make(map[string]bool)
	for i, res := range results {
		assert.Equal(t, paths[i], res.Source)
		assert.False(t, seen[res.RunID.String()], "run IDs must be unique")
		seen[res.RunID.String()] = true
	}

	_, err = NewExtractor(f.params).ExtractBatch(context.Background(), append(paths, filepath.Join(f.dir, "gone.nii")))
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestExtractSavesMasksAndMaps(t *testing.T) {
	f := newFixture(t)
	f.params.SaveMasks = true
	f.params.SaveComponentMaps = true

	_, err := NewExtractor(f.params).Extract(context.Background(), f.data)
	require.NoError(t, err)

	for _, tissue := range models.Tissues {
		mask, err := nifti.Read(MaskPath(f.params.OutputDir, f.data, tissue))
		require.NoError(t, err)
		count := 0
		for _, v := range mask.Data {
			if v == 1 {
				count++
			}
		}
		assert.Equal(t, 2*ny*nz, count)

		for c := 1; c <= 2; c++ {
			_, err := os.Stat(ComponentMapPath(f.params.OutputDir, f.data, tissue, c))
			assert.NoError(t, err)
		}
	}

	pcMap, err := nifti.Read(ComponentMapPath(f.params.OutputDir, f.data, models.GrayMatter, 1))
	require.NoError(t, err)
	// Rank-one data: every gray-matter voxel loads 1/sqrt(n) on the first axis
	want := 1 / math.Sqrt(float64(2*ny*nz))
	assert.InDelta(t, want, pcMap.Data[pcMap.Index(0, 0, 0)], 1e-5)
	assert.Equal(t, 0.0, pcMap.Data[pcMap.Index(5, 0, 0)])
}

func TestExtractSavesPreviews(t *testing.T) {
	f := newFixture(t)
	f.params.SavePreviews = true
	f.params.NumComponents = 0

	_, err := NewExtractor(f.params).Extract(context.Background(), f.data)
	require.NoError(t, err)

	for _, tissue := range models.Tissues {
		for _, axis := range []string{"x", "y", "z"} {
			path := filepath.Join(f.params.OutputDir, fmt.Sprintf("sub-01_bold_%s_%s.jpg", tissue.Prefix(), axis))
			_, err := os.Stat(path)
			assert.NoError(t, err, path)
		}
	}
}

func TestExtractBatchRejectsDuplicateOutputs(t *testing.T) {
	f := newFixture(t)

	var paths []string
	for _, site := range []string{"site-a", "site-b"} {
		p := filepath.Join(f.dir, site, "sub-01_bold.nii.gz")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		createDataset(t, p)
		paths = append(paths, p)
	}
	f.params.SaveMasks = true

	_, err := NewExtractor(f.params).ExtractBatch(context.Background(), paths)
	assert.ErrorIs(t, err, ErrDuplicateOutput)
	_, err = os.Stat(f.params.OutputDir)
	assert.True(t, os.IsNotExist(err), "nothing is written for a rejected batch")

	// The same stem with a different extension collides too
	plain := filepath.Join(f.dir, "sub-01_bold.nii")
	_, err = NewExtractor(f.params).ExtractBatch(context.Background(), []string{f.data, plain})
	assert.ErrorIs(t, err, ErrDuplicateOutput)

	_, err = NewExtractor(f.params).ExtractBatch(context.Background(), paths[:1])
	assert.NoError(t, err)
}
