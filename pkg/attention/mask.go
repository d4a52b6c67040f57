package attention

import "github.com/halcyon-ml/attn/pkg/tensor"

// prepareMask validates a rank-3 mask against the score dimensions and
// returns it with a trailing length-1 axis appended, so one mask
// broadcasts across every head.
//
// The mask shape is [seqQ or 1, seqK, batch or 1]: axis 1 must equal
// seqK exactly, axes 0 and 2 are either broadcast (length 1) or exact.
// Anything else is a contract violation, reported, never guessed at.
func prepareMask(mask *tensor.Tensor, seqQ, seqK, batch int) (*tensor.Tensor, error) {
	want := []int{seqQ, seqK, batch}
	if mask.Dims() != 3 {
		return nil, &tensor.ShapeError{Op: "prepare mask", Want: want, Got: mask.Shape}
	}
	if mask.Dim(1) != seqK {
		return nil, &tensor.ShapeError{Op: "prepare mask", Want: want, Got: mask.Shape}
	}
	if d := mask.Dim(0); d != 1 && d != seqQ {
		return nil, &tensor.ShapeError{Op: "prepare mask", Want: want, Got: mask.Shape}
	}
	if d := mask.Dim(2); d != 1 && d != batch {
		return nil, &tensor.ShapeError{Op: "prepare mask", Want: want, Got: mask.Shape}
	}
	return mask.Reshape(mask.Dim(0), mask.Dim(1), mask.Dim(2), 1)
}

// CausalMask builds a [seqQ, seqK, 1] mask admitting key j for query i
// when j <= i + (seqK - seqQ), the usual autoregressive constraint when
// the query block sits at the end of a longer key history.
func CausalMask(seqQ, seqK int) *tensor.Tensor {
	mask := tensor.New(seqQ, seqK, 1)
	offset := seqK - seqQ
	for i := 0; i < seqQ; i++ {
		for j := 0; j <= i+offset && j < seqK; j++ {
			mask.Data[(i*seqK+j)] = 1
		}
	}
	return mask
}
