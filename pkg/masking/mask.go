// Package masking selects tissue compartments from template-aligned images.
// It binarizes probability maps, brings masks onto the data grid and turns a
// 4-D image into an observations x voxels collection.
package masking

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tissuecomp/internal/models"
)

var (
	// ErrEmptyMask is returned when a mask selects no voxels
	ErrEmptyMask = errors.New("mask selects no voxels")

	// ErrGridMismatch is returned when a mask and an image disagree on the
	// voxel grid
	ErrGridMismatch = errors.New("mask and image grids differ")
)

// gridTolerance is the largest affine difference, in mm, treated as equal
const gridTolerance = 1e-3

// Mask is a binary selection over a 3-D voxel grid
type Mask struct {
	// Image carries the grid; its Data holds 1 for selected voxels and 0
	// elsewhere
	Image *models.Image

	// Indices are the selected voxel offsets in ascending order
	Indices []int
}

// Binarize thresholds a 3-D mask or probability map. Voxels strictly above
// threshold are selected; NaN voxels never are.
func Binarize(img *models.Image, threshold float64) (*Mask, error) {
	if img.NumObservations() != 1 {
		return nil, fmt.Errorf("mask must be 3-D, got %d volumes", img.NumObservations())
	}

	out := &models.Image{
		Data:     make([]float64, img.NumVoxels()),
		Dims:     img.Dims,
		PixDim:   img.PixDim,
		Affine:   img.Affine,
		Filename: img.Filename,
	}
	var indices []int
	for i, v := range img.Volume(0) {
		if !math.IsNaN(v) && v > threshold {
			out.Data[i] = 1
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%s: %w (threshold %.3g)", img.Filename, ErrEmptyMask, threshold)
	}

	return &Mask{Image: out, Indices: indices}, nil
}

// Count returns the number of selected voxels
func (m *Mask) Count() int {
	return len(m.Indices)
}

// Apply extracts the masked voxels of every volume in img. The result has
// one row per observation and one column per selected voxel, in voxel
// order.
func Apply(img *models.Image, mask *Mask) (*models.Collection, error) {
	if !img.SameGrid(mask.Image, gridTolerance) {
		return nil, fmt.Errorf("%w: image %s, mask %s", ErrGridMismatch, img, mask.Image)
	}
	if mask.Count() == 0 {
		return nil, ErrEmptyMask
	}

	nObs := img.NumObservations()
	nVox := mask.Count()
	data := mat.NewDense(nObs, nVox, nil)
	row := make([]float64, nVox)
	for t := 0; t < nObs; t++ {
		vol := img.Volume(t)
		for j, idx := range mask.Indices {
			row[j] = vol[idx]
		}
		data.SetRow(t, row)
	}

	voxels := make([]int, nVox)
	copy(voxels, mask.Indices)
	return models.NewCollection(data, voxels), nil
}

// Unmask scatters one value per selected voxel back onto the mask grid.
// Unselected voxels are set to fill.
func Unmask(values []float64, mask *Mask, fill float64) (*models.Image, error) {
	if len(values) != mask.Count() {
		return nil, fmt.Errorf("got %d values for a mask of %d voxels", len(values), mask.Count())
	}
	out := &models.Image{
		Data:   make([]float64, mask.Image.NumVoxels()),
		Dims:   mask.Image.Dims,
		PixDim: mask.Image.PixDim,
		Affine: mask.Image.Affine,
	}
	for i := range out.Data {
		out.Data[i] = fill
	}
	for j, idx := range mask.Indices {
		out.Data[idx] = values[j]
	}
	return out, nil
}
