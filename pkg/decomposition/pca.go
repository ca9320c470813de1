package decomposition

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tissuecomp/internal/models"
)

var (
	// ErrAllVoxelsRemoved is returned when no column is left to decompose
	ErrAllVoxelsRemoved = errors.New("all voxels removed")

	// ErrTooManyComponents is returned when more components are requested
	// than observations or voxels allow
	ErrTooManyComponents = errors.New("too many components requested")

	// ErrTooFewObservations is returned when PCA is asked of fewer than two
	// observations
	ErrTooFewObservations = errors.New("at least two observations are required")
)

// Components holds the result of a principal component analysis over the
// voxel columns of a collection
type Components struct {
	// Scores is observations x k: the coefficient of each observation on
	// each principal axis
	Scores *mat.Dense

	// Loadings is kept voxels x k: the principal axes
	Loadings *mat.Dense

	// Variance is the variance explained by each component
	Variance []float64

	// VarianceRatio is Variance divided by the total variance of the data
	VarianceRatio []float64

	// Kept lists the collection columns that entered the analysis
	Kept []int
}

// NumComponents returns k
func (p *Components) NumComponents() int {
	return len(p.Variance)
}

// Score returns the k-th component score of every observation
func (p *Components) Score(k int) []float64 {
	return mat.Col(nil, k, p.Scores)
}

// PCA computes the top k principal components of the kept columns of c,
// treating observations as samples and voxels as variables. The sign of
// each component is chosen so its largest-magnitude score is positive.
func PCA(c *models.Collection, k int) (*Components, error) {
	if k < 1 {
		return nil, fmt.Errorf("number of components must be positive, got %d", k)
	}

	x, kept := keptMatrix(c)
	if x == nil {
		return nil, ErrAllVoxelsRemoved
	}
	n, d := x.Dims()
	if n < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewObservations, n)
	}
	if limit := min(n, d); k > limit {
		return nil, fmt.Errorf("%w: %d components from %d observations and %d voxels", ErrTooManyComponents, k, n, d)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("singular value decomposition failed")
	}

	var vectors mat.Dense
	pc.VectorsTo(&vectors)
	vars := pc.VarsTo(nil)

	loadings := mat.DenseCopyOf(vectors.Slice(0, d, 0, k))

	centered := center(x)
	scores := mat.NewDense(n, k, nil)
	scores.Mul(centered, loadings)

	flipSigns(scores, loadings)

	total := floats.Sum(vars)
	ratio := make([]float64, k)
	for i := 0; i < k; i++ {
		if total > 0 {
			ratio[i] = vars[i] / total
		}
	}

	variance := make([]float64, k)
	copy(variance, vars[:k])
	return &Components{
		Scores:        scores,
		Loadings:      loadings,
		Variance:      variance,
		VarianceRatio: ratio,
		Kept:          kept,
	}, nil
}

// center returns x with each column's mean subtracted
func center(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	out := mat.NewDense(n, d, nil)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		floats.AddConst(-stat.Mean(col, nil), col)
		out.SetCol(j, col)
	}
	return out
}

// flipSigns makes the largest-magnitude score of each component positive,
// mirroring the change on the loadings
func flipSigns(scores, loadings *mat.Dense) {
	n, k := scores.Dims()
	d, _ := loadings.Dims()
	for j := 0; j < k; j++ {
		best := 0.0
		for i := 0; i < n; i++ {
			if v := scores.At(i, j); math.Abs(v) > math.Abs(best) {
				best = v
			}
		}
		if best >= 0 {
			continue
		}
		for i := 0; i < n; i++ {
			scores.Set(i, j, -scores.At(i, j))
		}
		for i := 0; i < d; i++ {
			loadings.Set(i, j, -loadings.At(i, j))
		}
	}
}
