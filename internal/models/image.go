package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Image represents a 3-D or 4-D neuroimaging volume with its spatial metadata
type Image struct {
	// Data holds the voxel values with x varying fastest, then y, z and
	// finally the observation (time) axis
	Data []float64

	// Dims are the grid sizes along x, y, z and the observation axis.
	// A 3-D image has Dims[3] == 1.
	Dims [4]int

	// PixDim is the voxel size in mm along x, y, z and the repetition time
	PixDim [4]float64

	// Affine maps voxel indices (i, j, k, 1) to world coordinates in mm
	Affine [4][4]float64

	// Filename is the path the image was read from, if any
	Filename string
}

// NewImage allocates a zero-filled image with the given grid and an affine
// built from the voxel sizes
func NewImage(nx, ny, nz, nt int, voxelSize [3]float64) *Image {
	if nt < 1 {
		nt = 1
	}
	img := &Image{
		Data: make([]float64, nx*ny*nz*nt),
		Dims: [4]int{nx, ny, nz, nt},
	}
	for i := 0; i < 3; i++ {
		img.PixDim[i] = voxelSize[i]
		img.Affine[i][i] = voxelSize[i]
	}
	img.PixDim[3] = 1
	img.Affine[3][3] = 1
	return img
}

// NumVoxels returns the number of voxels in a single 3-D volume
func (im *Image) NumVoxels() int {
	return im.Dims[0] * im.Dims[1] * im.Dims[2]
}

// NumObservations returns the length of the fourth axis
func (im *Image) NumObservations() int {
	if im.Dims[3] < 1 {
		return 1
	}
	return im.Dims[3]
}

// Index returns the offset of voxel (x, y, z) inside one volume
func (im *Image) Index(x, y, z int) int {
	return x + im.Dims[0]*(y+im.Dims[1]*z)
}

// Volume returns the t-th 3-D volume without copying
func (im *Image) Volume(t int) []float64 {
	n := im.NumVoxels()
	return im.Data[t*n : (t+1)*n]
}

// AffineMatrix returns the affine as a gonum matrix
func (im *Image) AffineMatrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, im.Affine[r][c])
		}
	}
	return m
}

// SameGrid reports whether two images share spatial dimensions and an
// affine equal within tol
func (im *Image) SameGrid(other *Image, tol float64) bool {
	for i := 0; i < 3; i++ {
		if im.Dims[i] != other.Dims[i] {
			return false
		}
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(im.Affine[r][c]-other.Affine[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// String describes the image grid
func (im *Image) String() string {
	return fmt.Sprintf("%dx%dx%dx%d (%.2fx%.2fx%.2f mm)",
		im.Dims[0], im.Dims[1], im.Dims[2], im.Dims[3],
		im.PixDim[0], im.PixDim[1], im.PixDim[2])
}
