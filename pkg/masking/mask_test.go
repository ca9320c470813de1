package masking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuecomp/internal/models"
)

// createProbabilityMap returns a 4x4x2 map whose left half has probability
// 0.9 and right half 0.2
func createProbabilityMap() *models.Image {
	img := models.NewImage(4, 4, 2, 1, [3]float64{2, 2, 2})
	for z := 0; z < 2; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				p := 0.2
				if x < 2 {
					p = 0.9
				}
				img.Data[img.Index(x, y, z)] = p
			}
		}
	}
	return img
}

func TestBinarize(t *testing.T) {
	prob := createProbabilityMap()
	prob.Data[0] = math.NaN()

	mask, err := Binarize(prob, 0.5)
	require.NoError(t, err)

	// 16 voxels with x < 2, minus the NaN one
	assert.Equal(t, 15, mask.Count())
	assert.Equal(t, 0.0, mask.Image.Data[0])
	assert.Equal(t, 1.0, mask.Image.Data[prob.Index(1, 0, 0)])
	assert.Equal(t, 0.0, mask.Image.Data[prob.Index(2, 0, 0)])
	assert.IsIncreasing(t, mask.Indices)

	// Threshold is strict
	mask, err = Binarize(prob, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 15, mask.Count())
}

func TestBinarizeEmpty(t *testing.T) {
	_, err := Binarize(createProbabilityMap(), 0.95)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestBinarizeRejects4D(t *testing.T) {
	img := models.NewImage(2, 2, 2, 3, [3]float64{1, 1, 1})
	_, err := Binarize(img, 0)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	data := models.NewImage(4, 4, 2, 3, [3]float64{2, 2, 2})
	for i := range data.Data {
		data.Data[i] = float64(i)
	}

	coll, err := Apply(data, mask)
	require.NoError(t, err)

	obs, vox := coll.Dims()
	assert.Equal(t, 3, obs)
	assert.Equal(t, 16, vox)
	assert.Equal(t, mask.Indices, coll.Voxels)
	assert.Zero(t, coll.NumRemoved())

	nv := data.NumVoxels()
	for tIdx := 0; tIdx < obs; tIdx++ {
		for j, idx := range mask.Indices {
			assert.Equal(t, float64(tIdx*nv+idx), coll.Data.At(tIdx, j))
		}
	}
}

func TestApplyGridMismatch(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	data := models.NewImage(4, 4, 3, 2, [3]float64{2, 2, 2})
	_, err = Apply(data, mask)
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func TestUnmask(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	values := make([]float64, mask.Count())
	for i := range values {
		values[i] = float64(i + 1)
	}
	img, err := Unmask(values, mask, math.NaN())
	require.NoError(t, err)

	for j, idx := range mask.Indices {
		assert.Equal(t, values[j], img.Data[idx])
	}
	assert.True(t, math.IsNaN(img.Data[mask.Image.Index(3, 3, 1)]))

	_, err = Unmask(values[:2], mask, 0)
	assert.Error(t, err)
}

func TestResample(t *testing.T) {
	// Mask at 2 mm, target at 1 mm covering the same field of view
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	target := models.NewImage(8, 8, 4, 1, [3]float64{1, 1, 1})
	resampled, err := Resample(mask, target)
	require.NoError(t, err)

	assert.Equal(t, [4]int{8, 8, 4, 1}, resampled.Image.Dims)
	assert.True(t, resampled.Image.SameGrid(target, 1e-9))

	// Target x = 0..2 rounds to mask x 0..1 which is selected; x = 3 rounds
	// to mask x 2 (1.5 rounds away from zero) which is not. The last target
	// row along y and the last along z round past the mask edge.
	assert.Equal(t, 1.0, resampled.Image.Data[target.Index(2, 0, 0)])
	assert.Equal(t, 0.0, resampled.Image.Data[target.Index(3, 0, 0)])
	assert.Equal(t, 0.0, resampled.Image.Data[target.Index(7, 7, 3)])
	assert.Equal(t, 3*7*3, resampled.Count())
}

func TestResampleShifted(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	// Same voxel size, origin moved 100 mm away: no overlap at all
	target := models.NewImage(4, 4, 2, 1, [3]float64{2, 2, 2})
	target.Affine[0][3] = 100
	_, err = Resample(mask, target)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestResampleSingularAffine(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)
	mask.Image.Affine[0][0] = 0

	_, err = Resample(mask, models.NewImage(2, 2, 2, 1, [3]float64{1, 1, 1}))
	assert.Error(t, err)
}

func TestConform(t *testing.T) {
	mask, err := Binarize(createProbabilityMap(), 0.5)
	require.NoError(t, err)

	same := models.NewImage(4, 4, 2, 5, [3]float64{2, 2, 2})
	got, resampled, err := Conform(mask, same, false)
	require.NoError(t, err)
	assert.False(t, resampled)
	assert.Same(t, mask, got)

	finer := models.NewImage(8, 8, 4, 5, [3]float64{1, 1, 1})
	_, _, err = Conform(mask, finer, false)
	assert.ErrorIs(t, err, ErrGridMismatch)

	got, resampled, err = Conform(mask, finer, true)
	require.NoError(t, err)
	assert.True(t, resampled)
	assert.Equal(t, 8*8*4, got.Image.NumVoxels())
}
