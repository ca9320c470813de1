// Package decomposition summarizes masked image collections: NaN-aware
// observation means, removal of non-finite voxel columns and principal
// component analysis over voxels.
package decomposition

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tissuecomp/internal/models"
)

// RemoveNonFinite flags every column holding a NaN or infinite value as
// removed. Columns already flagged stay flagged. It returns the number of
// newly removed columns.
func RemoveNonFinite(c *models.Collection) int {
	obs, vox := c.Dims()
	removed := 0
	for j := 0; j < vox; j++ {
		if c.Removed[j] {
			continue
		}
		for i := 0; i < obs; i++ {
			v := c.Data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				c.Removed[j] = true
				removed++
				break
			}
		}
	}
	return removed
}

// RowMeans returns, for each observation, the mean over all voxel columns
// ignoring NaN and infinite values. An observation with no finite voxel
// gets NaN.
func RowMeans(c *models.Collection) []float64 {
	obs, vox := c.Dims()
	means := make([]float64, obs)
	buf := make([]float64, 0, vox)
	for i := 0; i < obs; i++ {
		buf = buf[:0]
		for _, v := range mat.Row(nil, i, c.Data) {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				buf = append(buf, v)
			}
		}
		if len(buf) == 0 {
			means[i] = math.NaN()
			continue
		}
		means[i] = stat.Mean(buf, nil)
	}
	return means
}

// FiniteRows returns the observations holding at least one finite value.
// Observations missing across the whole collection are left out so they
// do not remove every column.
func FiniteRows(c *models.Collection) []int {
	obs, vox := c.Dims()
	rows := make([]int, 0, obs)
	for i := 0; i < obs; i++ {
		for j := 0; j < vox; j++ {
			if v := c.Data.At(i, j); !math.IsNaN(v) && !math.IsInf(v, 0) {
				rows = append(rows, i)
				break
			}
		}
	}
	return rows
}

// SelectRows returns a collection holding only the given observations, in
// the given order. Removed flags and voxel indices carry over.
func SelectRows(c *models.Collection, rows []int) (*models.Collection, error) {
	if len(rows) == 0 {
		return nil, errors.New("no observations selected")
	}
	obs, vox := c.Dims()
	data := mat.NewDense(len(rows), vox, nil)
	for i, r := range rows {
		if r < 0 || r >= obs {
			return nil, fmt.Errorf("observation %d outside [0, %d)", r, obs)
		}
		data.SetRow(i, mat.Row(nil, r, c.Data))
	}
	out := models.NewCollection(data, c.Voxels)
	copy(out.Removed, c.Removed)
	return out, nil
}

// keptMatrix copies the non-removed columns of c into a new matrix
func keptMatrix(c *models.Collection) (*mat.Dense, []int) {
	kept := c.Kept()
	obs, _ := c.Dims()
	if len(kept) == 0 {
		return nil, kept
	}
	out := mat.NewDense(obs, len(kept), nil)
	col := make([]float64, obs)
	for j, src := range kept {
		mat.Col(col, src, c.Data)
		out.SetCol(j, col)
	}
	return out, kept
}
