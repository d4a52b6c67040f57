package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Affine applies y = x*W^T + b over the last axis of x. The weight has
// shape [out, in] and the optional bias [out]; every leading axis of x
// is preserved. The last axis of x must equal the weight's input width.
func Affine(x, w, b *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, &ShapeError{Op: "affine: weight", Want: []int{-1, -1}, Got: w.Shape}
	}
	out, in := w.Shape[0], w.Shape[1]
	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != in {
		return nil, &ShapeError{Op: "affine: input", Want: []int{-1, in}, Got: x.Shape}
	}
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != out) {
		return nil, &ShapeError{Op: "affine: bias", Want: []int{out}, Got: b.Shape}
	}

	rows := len(x.Data) / in
	shape := append(copyShape(x.Shape[:len(x.Shape)-1]), out)
	y := New(shape...)

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: in, Stride: in, Data: x.Data},
		blas32.General{Rows: out, Cols: in, Stride: in, Data: w.Data},
		0,
		blas32.General{Rows: rows, Cols: out, Stride: out, Data: y.Data})

	if b != nil {
		for r := 0; r < rows; r++ {
			row := y.Data[r*out : (r+1)*out]
			for i := range row {
				row[i] += b.Data[i]
			}
		}
	}
	return y, nil
}

// PairwiseDot contracts the last axis of two head-split tensors. Given
// a with shape [seqA, batch, heads, dim] and b with shape
// [seqB, batch, heads, dim], it produces [seqA, seqB, batch, heads]
// where each entry is the dot product over dim for matching batch and
// head indices. Rows are independent and computed in parallel.
func PairwiseDot(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, &ShapeError{Op: "pairwise dot: lhs", Want: []int{-1, -1, -1, -1}, Got: a.Shape}
	}
	if len(b.Shape) != 4 || b.Shape[1] != a.Shape[1] || b.Shape[2] != a.Shape[2] || b.Shape[3] != a.Shape[3] {
		return nil, &ShapeError{
			Op:   "pairwise dot: rhs",
			Want: []int{-1, a.Shape[1], a.Shape[2], a.Shape[3]},
			Got:  b.Shape,
		}
	}

	seqA, batch, heads, dim := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	seqB := b.Shape[0]
	out := New(seqA, seqB, batch, heads)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < seqA; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < seqB; j++ {
				for bi := 0; bi < batch; bi++ {
					for h := 0; h < heads; h++ {
						aOff := ((i*batch+bi)*heads + h) * dim
						bOff := ((j*batch+bi)*heads + h) * dim
						out.Data[((i*seqB+j)*batch+bi)*heads+h] = blas32.Dot(
							blas32.Vector{N: dim, Inc: 1, Data: a.Data[aOff : aOff+dim]},
							blas32.Vector{N: dim, Inc: 1, Data: b.Data[bOff : bOff+dim]},
						)
					}
				}
			}
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// WeightedSum aggregates value rows by attention weights. Given weights
// with shape [seqQ, seqK, batch, heads] and values with shape
// [seqK, batch, heads, dim], it produces [seqQ, batch, heads, dim]:
// for each query position the weighted sum of value rows over seqK.
func WeightedSum(w, v *Tensor) (*Tensor, error) {
	if len(w.Shape) != 4 {
		return nil, &ShapeError{Op: "weighted sum: weights", Want: []int{-1, -1, -1, -1}, Got: w.Shape}
	}
	if len(v.Shape) != 4 || v.Shape[0] != w.Shape[1] || v.Shape[1] != w.Shape[2] || v.Shape[2] != w.Shape[3] {
		return nil, &ShapeError{
			Op:   "weighted sum: values",
			Want: []int{w.Shape[1], w.Shape[2], w.Shape[3], -1},
			Got:  v.Shape,
		}
	}

	seqQ, seqK, batch, heads := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	dim := v.Shape[3]
	out := New(seqQ, batch, heads, dim)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < seqQ; i++ {
		i := i
		g.Go(func() error {
			for bi := 0; bi < batch; bi++ {
				for h := 0; h < heads; h++ {
					oOff := ((i*batch+bi)*heads + h) * dim
					dst := blas32.Vector{N: dim, Inc: 1, Data: out.Data[oOff : oOff+dim]}
					for j := 0; j < seqK; j++ {
						alpha := w.Data[((i*seqK+j)*batch+bi)*heads+h]
						if alpha == 0 {
							continue
						}
						vOff := ((j*batch+bi)*heads + h) * dim
						blas32.Axpy(alpha,
							blas32.Vector{N: dim, Inc: 1, Data: v.Data[vOff : vOff+dim]},
							dst)
					}
				}
			}
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// Softmax normalizes t along the given axis with the usual max
// subtraction for stability. A row whose maximum is -Inf (every entry
// masked out) yields an all-zero row rather than NaN.
func Softmax(t *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("tensor: softmax axis %d out of range for shape %v", axis, t.Shape)
	}

	out := New(t.Shape...)
	n := t.Shape[axis]
	inner := 1
	for i := axis + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	outer := len(t.Data) / (n * inner)

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*n*inner + in

			maxVal := float32(math.Inf(-1))
			for j := 0; j < n; j++ {
				if v := t.Data[base+j*inner]; v > maxVal {
					maxVal = v
				}
			}
			if math.IsInf(float64(maxVal), -1) {
				// Fully suppressed row: contributes nothing downstream.
				continue
			}

			sum := float32(0)
			for j := 0; j < n; j++ {
				e := float32(math.Exp(float64(t.Data[base+j*inner] - maxVal)))
				out.Data[base+j*inner] = e
				sum += e
			}
			for j := 0; j < n; j++ {
				out.Data[base+j*inner] /= sum
			}
		}
	}
	return out, nil
}

// MaskedFill returns a copy of t where fill replaces every element whose
// corresponding mask entry is zero. The mask must have the same rank as
// t; each mask axis is either length 1 (broadcast) or the exact length
// of the matching axis of t.
func MaskedFill(t, mask *Tensor, fill float32) (*Tensor, error) {
	if len(mask.Shape) != len(t.Shape) {
		return nil, &ShapeError{Op: "masked fill", Want: t.Shape, Got: mask.Shape}
	}
	mstride := make([]int, len(t.Shape))
	for i := range t.Shape {
		switch mask.Shape[i] {
		case t.Shape[i]:
			mstride[i] = mask.Strides[i]
		case 1:
			mstride[i] = 0
		default:
			return nil, &ShapeError{Op: "masked fill", Want: t.Shape, Got: mask.Shape}
		}
	}

	out := t.Clone()
	coords := make([]int, len(t.Shape))
	for i := range out.Data {
		mi := 0
		for d := range coords {
			mi += coords[d] * mstride[d]
		}
		if mask.Data[mi] == 0 {
			out.Data[i] = fill
		}
		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < t.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return out, nil
}

// Dropout zeroes each element independently with probability p and
// scales survivors by 1/(1-p) so the expected value is preserved.
// p == 0 returns a plain copy.
func Dropout(t *Tensor, p float32, rng *rand.Rand) *Tensor {
	if p == 0 {
		return t.Clone()
	}
	out := New(t.Shape...)
	scale := 1 / (1 - p)
	for i, v := range t.Data {
		if rng.Float32() >= p {
			out.Data[i] = v * scale
		}
	}
	return out
}
