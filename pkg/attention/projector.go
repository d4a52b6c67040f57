package attention

import (
	"math"
	"math/rand"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

// HeadProjector maps a model-dimension feature vector into a fixed
// number of equal-width head views through one shared affine transform.
// The split is a pure reshape: head h, sub-index d reads the contiguous
// slot h*headDim+d of the transformed vector.
type HeadProjector struct {
	// Weight has shape [heads*headDim, modelDim]; Bias, when present,
	// has shape [heads*headDim]. Both are mutated only by an external
	// training procedure.
	Weight *tensor.Tensor
	Bias   *tensor.Tensor

	modelDim int
	heads    int
	headDim  int
}

// NewHeadProjector allocates a projector with normally distributed
// weights scaled by 1/sqrt(modelDim) and, when bias is set, a zero bias
// vector.
func NewHeadProjector(modelDim, heads, headDim int, bias bool, rng *rand.Rand) *HeadProjector {
	p := &HeadProjector{
		Weight:   tensor.Randn(rng, 1/float32(math.Sqrt(float64(modelDim))), heads*headDim, modelDim),
		modelDim: modelDim,
		heads:    heads,
		headDim:  headDim,
	}
	if bias {
		p.Bias = tensor.New(heads * headDim)
	}
	return p
}

// Heads returns the number of head views the projector produces.
func (p *HeadProjector) Heads() int { return p.heads }

// HeadDim returns the width of each head view.
func (p *HeadProjector) HeadDim() int { return p.headDim }

// Project applies the affine transform to the last axis of x and splits
// the result into [heads, headDim]. Leading axes are preserved; the
// last axis of x must equal the projector's model dimension.
func (p *HeadProjector) Project(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() == 0 || x.Dim(x.Dims()-1) != p.modelDim {
		return nil, &tensor.ShapeError{Op: "project", Want: []int{-1, p.modelDim}, Got: x.Shape}
	}
	y, err := tensor.Affine(x, p.Weight, p.Bias)
	if err != nil {
		return nil, err
	}
	return y.SplitLastAxis(p.heads)
}
