package c3d

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear is a fully connected projection y = x·Wᵀ + b, with W of shape (out, in).
type Linear struct {
	name    string
	in, out int

	w, b *Parameter
}

func NewLinear(name string, in, out int) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		name: name,
		in:   in,
		out:  out,
		w:    newParameter(name+".weight", G.Uniform(-bound, bound), out, in),
		b:    newParameter(name+".bias", G.Uniform(-bound, bound), out),
	}
}

func (l *Linear) Name() string { return l.name }

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=True)", l.in, l.out)
}

// Params returns the weight and the bias, in that order.
func (l *Linear) Params() []*Parameter { return []*Parameter{l.w, l.b} }

func (l *Linear) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() != 2 {
		return nil, shapeErr("expected a rank 2 tensor, got shape %v", s)
	}
	if s[1] != l.in {
		return nil, shapeErr("expected %d input features, got shape %v", l.in, s)
	}
	return tensor.Shape{s[0], l.out}, nil
}

func (l *Linear) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	if _, err = l.OutShape(s); err != nil {
		return nil, err
	}
	params, err := paramData(l.w, l.b)
	if err != nil {
		return nil, err
	}
	weights, bias := params[0], params[1]

	batch := s[0]
	out := make([]float32, batch*l.out)
	for n := 0; n < batch; n++ {
		copy(out[n*l.out:], bias)
	}
	if batch > 0 {
		xmat := blas32.General{Rows: batch, Cols: l.in, Stride: l.in, Data: data}
		wmat := blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: weights}
		ymat := blas32.General{Rows: batch, Cols: l.out, Stride: l.out, Data: out}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, xmat, wmat, 1, ymat)
	}
	return tensor.New(tensor.WithShape(batch, l.out), tensor.WithBacking(out)), nil
}
