// Package attention implements scaled multi-head attention: projection
// of query/key/value features into head views, pairwise scoring,
// masking, softmax normalization, dropout, weighted aggregation and
// head recombination.
package attention

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

// DefaultDropout is the regularization probability used by
// DefaultConfig.
const DefaultDropout = 0.1

// Config carries the construction parameters of a MultiHeadAttention
// engine.
type Config struct {
	// Heads is the number of parallel attention heads. ModelDim must be
	// evenly divisible by Heads; the head dimension is derived as
	// ModelDim/Heads.
	Heads    int
	ModelDim int

	// Dropout is the probability of zeroing an attention weight during
	// training-mode evaluation. Must lie in [0, 1).
	Dropout float32

	// QueryKeyBias controls the bias vectors of the query and key
	// projectors. The value projector always carries a bias regardless.
	QueryKeyBias bool

	// CheckNumerics makes Forward verify the output tensor is finite
	// and fail with a tensor.NumericError otherwise.
	CheckNumerics bool

	// Seed initializes the parameter and dropout RNG. Equal seeds give
	// equal initial parameters.
	Seed int64

	// Scorer overrides the pairwise scoring strategy; nil selects the
	// scaled dot product.
	Scorer Scorer

	// Recorder receives the attention weight tensor after every forward
	// evaluation; nil discards it.
	Recorder Recorder
}

// DefaultConfig returns a Config with the conventional defaults:
// dropout 0.1 and query/key biases enabled.
func DefaultConfig(heads, modelDim int) Config {
	return Config{
		Heads:        heads,
		ModelDim:     modelDim,
		Dropout:      DefaultDropout,
		QueryKeyBias: true,
	}
}

// Result is the call-scoped outcome of one forward evaluation.
type Result struct {
	// Output has the query's leading axes with the last axis equal to
	// the model dimension.
	Output *tensor.Tensor

	// Weights holds the normalized, pre-dropout attention distribution
	// [seqQ, seqK, batch, heads]. It is a detached copy owned by the
	// caller.
	Weights *tensor.Tensor
}

// MultiHeadAttention is the scaled dot-product multi-head attention
// engine.
//
// Forward mutates only the most-recent-weights diagnostic slot and, in
// training mode, the dropout RNG; concurrent Forward calls on one
// engine therefore race and are not supported. Run concurrent
// evaluations on separate engine instances, or serialize calls.
// Parameters are read-only during a call and must not be mutated by an
// external trainer while a call is in flight.
type MultiHeadAttention struct {
	// Query, Key and Value project input features into head views.
	// OutWeight/OutBias form the final output transform. All are
	// exported for external training procedures.
	Query    *HeadProjector
	Key      *HeadProjector
	Value    *HeadProjector
	OutWeight *tensor.Tensor
	OutBias   *tensor.Tensor

	heads    int
	modelDim int
	headDim  int
	scale    float32
	dropout  float32
	training bool

	scorer   Scorer
	recorder Recorder
	checked  bool
	rng      *rand.Rand

	mu          sync.Mutex
	lastWeights *tensor.Tensor
}

// New builds an engine from cfg. Indivisible dimensions and
// out-of-range probabilities are configuration errors, reported here
// rather than truncated silently.
func New(cfg Config) (*MultiHeadAttention, error) {
	if cfg.Heads <= 0 {
		return nil, configErrorf("heads must be positive, got %d", cfg.Heads)
	}
	if cfg.ModelDim <= 0 {
		return nil, configErrorf("model dimension must be positive, got %d", cfg.ModelDim)
	}
	if cfg.ModelDim%cfg.Heads != 0 {
		return nil, configErrorf("model dimension %d is not divisible by %d heads",
			cfg.ModelDim, cfg.Heads)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, configErrorf("dropout probability %v outside [0,1)", cfg.Dropout)
	}

	headDim := cfg.ModelDim / cfg.Heads
	rng := rand.New(rand.NewSource(cfg.Seed))

	scorer := cfg.Scorer
	if scorer == nil {
		scorer = DotProduct{}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	std := 1 / float32(math.Sqrt(float64(cfg.ModelDim)))
	return &MultiHeadAttention{
		Query: NewHeadProjector(cfg.ModelDim, cfg.Heads, headDim, cfg.QueryKeyBias, rng),
		Key:   NewHeadProjector(cfg.ModelDim, cfg.Heads, headDim, cfg.QueryKeyBias, rng),
		// The value path keeps its bias unconditionally.
		Value:     NewHeadProjector(cfg.ModelDim, cfg.Heads, headDim, true, rng),
		OutWeight: tensor.Randn(rng, std, cfg.ModelDim, cfg.ModelDim),
		OutBias:   tensor.New(cfg.ModelDim),
		heads:     cfg.Heads,
		modelDim:  cfg.ModelDim,
		headDim:   headDim,
		scale:     1 / float32(math.Sqrt(float64(headDim))),
		dropout:   cfg.Dropout,
		scorer:    scorer,
		recorder:  recorder,
		checked:   cfg.CheckNumerics,
		rng:       rng,
	}, nil
}

// Heads returns the number of attention heads.
func (m *MultiHeadAttention) Heads() int { return m.heads }

// ModelDim returns the feature width the engine operates on.
func (m *MultiHeadAttention) ModelDim() int { return m.modelDim }

// HeadDim returns the per-head feature width.
func (m *MultiHeadAttention) HeadDim() int { return m.headDim }

// Scale returns the score scaling constant 1/sqrt(headDim).
func (m *MultiHeadAttention) Scale() float32 { return m.scale }

// Train switches the engine into training mode, enabling dropout.
func (m *MultiHeadAttention) Train() { m.training = true }

// Eval switches the engine into inference mode; dropout is an identity.
func (m *MultiHeadAttention) Eval() { m.training = false }

// LastWeights returns the attention weights of the most recent forward
// evaluation, or nil before the first one. The slot holds one
// evaluation only and is overwritten by the next call.
func (m *MultiHeadAttention) LastWeights() *tensor.Tensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWeights
}

// Forward computes attention over the given query, key and value
// feature tensors. Inputs are either sequence mode [seq, batch, model]
// or single-step mode [batch, model]; the output mirrors the query's
// shape. The optional mask is [seqQ or 1, seqK, batch or 1]; zero
// entries suppress the corresponding query-key pair entirely.
func (m *MultiHeadAttention) Forward(query, key, value, mask *tensor.Tensor) (*Result, error) {
	query, key, value, singleStep, err := m.normalizeInputs(query, key, value)
	if err != nil {
		return nil, err
	}

	seqQ, batch := query.Dim(0), query.Dim(1)
	seqK := key.Dim(0)

	var prepared *tensor.Tensor
	if mask != nil {
		if prepared, err = prepareMask(mask, seqQ, seqK, batch); err != nil {
			return nil, err
		}
	}

	qh, err := m.Query.Project(query)
	if err != nil {
		return nil, fmt.Errorf("project query: %w", err)
	}
	kh, err := m.Key.Project(key)
	if err != nil {
		return nil, fmt.Errorf("project key: %w", err)
	}
	vh, err := m.Value.Project(value)
	if err != nil {
		return nil, fmt.Errorf("project value: %w", err)
	}

	res, err := m.attend(qh, kh, vh, prepared)
	if err != nil {
		return nil, err
	}
	if singleStep {
		if res.Output, err = res.Output.Reshape(batch, m.modelDim); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// normalizeInputs lifts single-step inputs to sequence mode and checks
// that the three roles agree on batch size and that key and value share
// a sequence length.
func (m *MultiHeadAttention) normalizeInputs(query, key, value *tensor.Tensor) (q, k, v *tensor.Tensor, singleStep bool, err error) {
	lift := func(t *tensor.Tensor) (*tensor.Tensor, error) {
		switch t.Dims() {
		case 2:
			return t.Reshape(1, t.Dim(0), t.Dim(1))
		case 3:
			return t, nil
		default:
			return nil, &tensor.ShapeError{Op: "attention input", Want: []int{-1, -1, m.modelDim}, Got: t.Shape}
		}
	}

	singleStep = query.Dims() == 2
	if q, err = lift(query); err != nil {
		return nil, nil, nil, false, err
	}
	if k, err = lift(key); err != nil {
		return nil, nil, nil, false, err
	}
	if v, err = lift(value); err != nil {
		return nil, nil, nil, false, err
	}

	if k.Dim(1) != q.Dim(1) || v.Dim(1) != q.Dim(1) {
		return nil, nil, nil, false, &tensor.ShapeError{
			Op: "attention batch", Want: []int{-1, q.Dim(1), m.modelDim}, Got: k.Shape,
		}
	}
	if v.Dim(0) != k.Dim(0) {
		return nil, nil, nil, false, &tensor.ShapeError{
			Op: "attention key/value length", Want: k.Shape, Got: v.Shape,
		}
	}
	return q, k, v, singleStep, nil
}

// attend runs the pipeline after projection: score, scale, mask,
// normalize, record, dropout, aggregate, merge, output transform.
func (m *MultiHeadAttention) attend(qh, kh, vh, mask *tensor.Tensor) (*Result, error) {
	scores, err := m.scorer.Score(qh, kh)
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	scores = scores.Scale(m.scale)

	if mask != nil {
		if scores, err = tensor.MaskedFill(scores, mask, float32(math.Inf(-1))); err != nil {
			return nil, err
		}
	}

	// Softmax over the key axis. Fully masked rows come back all zero.
	weights, err := tensor.Softmax(scores, 1)
	if err != nil {
		return nil, err
	}

	recorded := weights.Clone()
	m.recorder.Record("attention/weights", recorded)
	m.mu.Lock()
	m.lastWeights = recorded
	m.mu.Unlock()

	applied := weights
	if m.training && m.dropout > 0 {
		applied = tensor.Dropout(weights, m.dropout, m.rng)
	}

	pooled, err := tensor.WeightedSum(applied, vh)
	if err != nil {
		return nil, err
	}
	merged, err := pooled.MergeLastAxes()
	if err != nil {
		return nil, err
	}
	output, err := tensor.Affine(merged, m.OutWeight, m.OutBias)
	if err != nil {
		return nil, fmt.Errorf("output transform: %w", err)
	}

	if m.checked {
		if err := tensor.CheckFinite("attention output", output); err != nil {
			return nil, err
		}
	}
	return &Result{Output: output, Weights: recorded}, nil
}
