package masking

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tissuecomp/internal/models"
)

// Resample maps mask onto the voxel grid of target using nearest-neighbour
// lookup in world coordinates. Target voxels that fall outside the mask's
// field of view are left unselected.
func Resample(mask *Mask, target *models.Image) (*Mask, error) {
	var inv mat.Dense
	if err := inv.Inverse(mask.Image.AffineMatrix()); err != nil {
		return nil, fmt.Errorf("mask affine is not invertible: %w", err)
	}

	// Voxel in target -> world -> voxel in mask
	var m mat.Dense
	m.Mul(&inv, target.AffineMatrix())
	var t [3][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			t[r][c] = m.At(r, c)
		}
	}

	nx, ny, nz := target.Dims[0], target.Dims[1], target.Dims[2]
	sx, sy, sz := mask.Image.Dims[0], mask.Image.Dims[1], mask.Image.Dims[2]
	src := mask.Image.Volume(0)

	out := &models.Image{
		Data:     make([]float64, nx*ny*nz),
		Dims:     [4]int{nx, ny, nz, 1},
		PixDim:   target.PixDim,
		Affine:   target.Affine,
		Filename: mask.Image.Filename,
	}
	out.PixDim[3] = 1

	var indices []int
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				fx, fy, fz := float64(x), float64(y), float64(z)
				i := int(math.Round(t[0][0]*fx + t[0][1]*fy + t[0][2]*fz + t[0][3]))
				j := int(math.Round(t[1][0]*fx + t[1][1]*fy + t[1][2]*fz + t[1][3]))
				k := int(math.Round(t[2][0]*fx + t[2][1]*fy + t[2][2]*fz + t[2][3]))
				if i < 0 || j < 0 || k < 0 || i >= sx || j >= sy || k >= sz {
					continue
				}
				if src[i+sx*(j+sy*k)] != 0 {
					idx := out.Index(x, y, z)
					out.Data[idx] = 1
					indices = append(indices, idx)
				}
			}
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%s: %w after resampling to %s", mask.Image.Filename, ErrEmptyMask, target)
	}

	return &Mask{Image: out, Indices: indices}, nil
}

// Conform returns mask unchanged when it already shares target's grid,
// resamples it when allowed, and fails otherwise
func Conform(mask *Mask, target *models.Image, allowResample bool) (*Mask, bool, error) {
	if target.SameGrid(mask.Image, gridTolerance) {
		return mask, false, nil
	}
	if !allowResample {
		return nil, false, fmt.Errorf("%w: image %s, mask %s", ErrGridMismatch, target, mask.Image)
	}
	resampled, err := Resample(mask, target)
	if err != nil {
		return nil, false, err
	}
	return resampled, true, nil
}
