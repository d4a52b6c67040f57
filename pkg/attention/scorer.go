package attention

import "github.com/halcyon-ml/attn/pkg/tensor"

// Scorer computes pairwise compatibility between query and key head
// views. The engine depends on this interface only, so variant
// mechanisms (relative position scoring and the like) plug in without
// touching the rest of the pipeline.
type Scorer interface {
	// Score takes query and key head-split tensors of shapes
	// [seqQ, batch, heads, headDim] and [seqK, batch, heads, headDim]
	// and returns unnormalized scores [seqQ, seqK, batch, heads].
	Score(query, key *tensor.Tensor) (*tensor.Tensor, error)
}

// DotProduct is the standard scorer: the dot product over the head
// dimension, independently per batch element and head.
type DotProduct struct{}

func (DotProduct) Score(query, key *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.PairwiseDot(query, key)
}
