package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewShapeAndStrides(t *testing.T) {
	x := New(2, 3, 4)
	require.Equal(t, []int{2, 3, 4}, x.Shape)
	require.Equal(t, []int{12, 4, 1}, x.Strides)
	require.Equal(t, 24, x.Size())
	require.Equal(t, 3, x.Dims())
}

func TestFromSliceSizeMismatch(t *testing.T) {
	_, err := FromSlice([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
}

func TestAtSetAt(t *testing.T) {
	x := New(2, 3)
	x.SetAt(7, 1, 2)
	require.Equal(t, float32(7), x.At(1, 2))
	require.Equal(t, float32(7), x.Data[5])
}

func TestReshapeSharesData(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)

	y, err := x.Reshape(3, 2)
	require.NoError(t, err)
	y.Data[0] = 42
	require.Equal(t, float32(42), x.Data[0])

	_, err = x.Reshape(4, 2)
	require.Error(t, err)
}

func TestSplitLastAxisLayout(t *testing.T) {
	// Splitting [1, 6] into 3 heads of width 2 must keep head h over the
	// contiguous slots [2h, 2h+1].
	x, err := FromSlice([]float32{10, 11, 20, 21, 30, 31}, 1, 6)
	require.NoError(t, err)

	split, err := x.SplitLastAxis(3)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 2}, split.Shape)
	for h := 0; h < 3; h++ {
		require.Equal(t, float32(10*(h+1)), split.At(0, h, 0))
		require.Equal(t, float32(10*(h+1)+1), split.At(0, h, 1))
	}

	merged, err := split.MergeLastAxes()
	require.NoError(t, err)
	require.Equal(t, []int{1, 6}, merged.Shape)
	require.Equal(t, x.Data, merged.Data)
}

func TestSplitLastAxisIndivisible(t *testing.T) {
	x := New(2, 5)
	_, err := x.SplitLastAxis(3)
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	x, err := FromSlice([]float32{1, 2}, 2)
	require.NoError(t, err)
	y := x.Clone()
	y.Data[0] = 9
	require.Equal(t, float32(1), x.Data[0])
}

func TestConcatLeading(t *testing.T) {
	a, err := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	b, err := FromSlice([]float32{5, 6}, 1, 2)
	require.NoError(t, err)

	c, err := ConcatLeading(a, b)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, c.Shape)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data)

	bad := New(1, 3)
	_, err = ConcatLeading(a, bad)
	require.Error(t, err)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestRandnDeterministicPerSeed(t *testing.T) {
	a := Randn(rand.New(rand.NewSource(3)), 1, 4, 4)
	b := Randn(rand.New(rand.NewSource(3)), 1, 4, 4)
	require.Equal(t, a.Data, b.Data)
}

func TestCheckFinite(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	require.NoError(t, CheckFinite("test", x))

	x.Data[1] = float32(math.NaN())
	err = CheckFinite("test", x)
	require.Error(t, err)
	var numErr *NumericError
	require.ErrorAs(t, err, &numErr)
	require.Equal(t, 1, numErr.Index)
}
