package models

import "gonum.org/v1/gonum/mat"

// Collection is a masked image collection: one row per observation and one
// column per selected voxel
type Collection struct {
	// Data is the observations x voxels matrix
	Data *mat.Dense

	// Removed flags columns excluded from decomposition, typically because
	// they hold non-finite values
	Removed []bool

	// Voxels holds the volume index of each column
	Voxels []int
}

// NewCollection wraps an observations x voxels matrix with no columns removed
func NewCollection(data *mat.Dense, voxels []int) *Collection {
	_, c := data.Dims()
	return &Collection{
		Data:    data,
		Removed: make([]bool, c),
		Voxels:  voxels,
	}
}

// Dims returns the number of observations and voxel columns
func (c *Collection) Dims() (observations, voxels int) {
	return c.Data.Dims()
}

// Kept returns the indices of the columns that are not removed
func (c *Collection) Kept() []int {
	kept := make([]int, 0, len(c.Removed))
	for j, removed := range c.Removed {
		if !removed {
			kept = append(kept, j)
		}
	}
	return kept
}

// NumRemoved counts removed columns
func (c *Collection) NumRemoved() int {
	n := 0
	for _, removed := range c.Removed {
		if removed {
			n++
		}
	}
	return n
}
