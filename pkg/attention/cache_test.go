package attention

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

func sequenceRow(t *testing.T, x *tensor.Tensor, i int) *tensor.Tensor {
	t.Helper()
	rowLen := x.Size() / x.Dim(0)
	row, err := tensor.FromSlice(x.Data[i*rowLen:(i+1)*rowLen], 1, x.Dim(1), x.Dim(2))
	require.NoError(t, err)
	return row
}

func TestIncrementalDecodingMatchesFullForward(t *testing.T) {
	const seq, batch, dim = 4, 1, 16
	engine := newTestEngine(t, Config{Heads: 2, ModelDim: dim, QueryKeyBias: true, Seed: 3})

	rng := rand.New(rand.NewSource(17))
	x := tensor.Randn(rng, 1, seq, batch, dim)

	full, err := engine.Forward(x, x, x, CausalMask(seq, seq))
	require.NoError(t, err)

	cache, err := NewKVCache(8)
	require.NoError(t, err)

	for step := 0; step < seq; step++ {
		in := sequenceRow(t, x, step)
		res, err := engine.ForwardCached(cache, "session", in, in, in, nil)
		require.NoError(t, err)

		require.Equal(t, step+1, cache.SeqLen("session"))
		require.Equal(t, []int{1, step + 1, batch, 2}, res.Weights.Shape)

		// Step output equals the matching row of the full causal pass.
		rowLen := batch * dim
		for i := 0; i < rowLen; i++ {
			require.InDelta(t, full.Output.Data[step*rowLen+i], res.Output.Data[i], 1e-4)
		}
	}
}

func TestForwardCachedWithHistoryMask(t *testing.T) {
	const dim = 16
	engine := newTestEngine(t, Config{Heads: 2, ModelDim: dim, QueryKeyBias: true})
	cache, err := NewKVCache(4)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(18))
	first := tensor.Randn(rng, 1, 2, 1, dim)
	_, err = engine.ForwardCached(cache, "s", first, first, first, nil)
	require.NoError(t, err)

	// Next step attends over 3 positions; the mask must span them all.
	next := tensor.Randn(rng, 1, 1, 1, dim)
	mask, err := tensor.FromSlice([]float32{1, 0, 1}, 1, 3, 1)
	require.NoError(t, err)

	res, err := engine.ForwardCached(cache, "s", next, next, next, mask)
	require.NoError(t, err)
	require.Equal(t, float32(0), res.Weights.At(0, 1, 0, 0))

	// A mask sized to the new step only is a shape violation.
	short, err := tensor.FromSlice([]float32{1}, 1, 1, 1)
	require.NoError(t, err)
	more := tensor.Randn(rng, 1, 1, 1, dim)
	_, err = engine.ForwardCached(cache, "s", more, more, more, short)
	var shapeErr *tensor.ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestKVCacheSessionsAreIndependent(t *testing.T) {
	const dim = 16
	engine := newTestEngine(t, Config{Heads: 2, ModelDim: dim, Seed: 5})
	cache, err := NewKVCache(4)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(19))
	a := tensor.Randn(rng, 1, 2, 1, dim)
	b := tensor.Randn(rng, 1, 3, 1, dim)

	_, err = engine.ForwardCached(cache, "a", a, a, a, nil)
	require.NoError(t, err)
	_, err = engine.ForwardCached(cache, "b", b, b, b, nil)
	require.NoError(t, err)

	require.Equal(t, 2, cache.Len())
	require.Equal(t, 2, cache.SeqLen("a"))
	require.Equal(t, 3, cache.SeqLen("b"))

	cache.Remove("a")
	require.Equal(t, 0, cache.SeqLen("a"))
	require.Equal(t, 1, cache.Len())
}

func TestKVCacheEvictsLeastRecentSession(t *testing.T) {
	const dim = 8
	engine := newTestEngine(t, Config{Heads: 2, ModelDim: dim})
	cache, err := NewKVCache(1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(20))
	x := tensor.Randn(rng, 1, 1, 1, dim)

	_, err = engine.ForwardCached(cache, "old", x, x, x, nil)
	require.NoError(t, err)
	_, err = engine.ForwardCached(cache, "new", x, x, x, nil)
	require.NoError(t, err)

	require.Equal(t, 1, cache.Len())
	require.Equal(t, 0, cache.SeqLen("old"))
	require.Equal(t, 1, cache.SeqLen("new"))
}

func TestForwardCachedRejectsBatchMismatch(t *testing.T) {
	const dim = 8
	engine := newTestEngine(t, Config{Heads: 2, ModelDim: dim})
	cache, err := NewKVCache(2)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(21))
	one := tensor.Randn(rng, 1, 1, 1, dim)
	two := tensor.Randn(rng, 1, 1, 2, dim)

	_, err = engine.ForwardCached(cache, "s", one, one, one, nil)
	require.NoError(t, err)
	_, err = engine.ForwardCached(cache, "s", two, two, two, nil)
	var shapeErr *tensor.ShapeError
	require.ErrorAs(t, err, &shapeErr)
}
