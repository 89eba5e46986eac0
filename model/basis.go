package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rigml/shapecraft/dataset"
)

// Basis is the fixed reduced-rank reconstruction used by the Compact
// architecture: a displacement field is rebuilt as latent·Components + Mean.
// It is fit once from the training samples and frozen (never trained).
type Basis struct {
	// NumComponents is the latent dimension k.
	NumComponents int

	// Mean is the average displacement field over the fitting samples,
	// flat [3*numVertices].
	Mean []float32

	// Components holds the k principal displacement directions, flat
	// row-major [k, 3*numVertices].
	Components []float32
}

// FitBasis computes a reduced-rank basis from the displacement fields in ds
// via singular value decomposition of the centered sample matrix. k is
// clamped to the maximum attainable rank, min(numSamples, 3*numVertices).
func FitBasis(ds *dataset.Dataset, k int) (*Basis, error) {
	n := ds.Len()
	if n == 0 {
		return nil, errors.New("cannot fit reconstruction basis on an empty dataset")
	}
	if k < 1 {
		return nil, errors.Errorf("reconstruction basis needs at least 1 component, got k=%d", k)
	}
	dim := 3 * ds.NumVertices
	if k > n {
		k = n
	}
	if k > dim {
		k = dim
	}

	mean := make([]float64, dim)
	for i := 0; i < n; i++ {
		for j, v := range ds.Sample(i).Deltas {
			mean[j] += float64(v)
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	centered := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		deltas := ds.Sample(i).Deltas
		for j := 0; j < dim; j++ {
			centered.Set(i, j, float64(deltas[j])-mean[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return nil, errors.New("singular value decomposition of the displacement samples failed to converge")
	}
	var v mat.Dense
	svd.VTo(&v)

	basis := &Basis{
		NumComponents: k,
		Mean:          make([]float32, dim),
		Components:    make([]float32, k*dim),
	}
	for j := range mean {
		basis.Mean[j] = float32(mean[j])
	}
	for c := 0; c < k; c++ {
		for j := 0; j < dim; j++ {
			basis.Components[c*dim+j] = float32(v.At(j, c))
		}
	}
	return basis, nil
}
