package c3d

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Layer is a single stage of the network. Hyperparameters are fixed at construction.
type Layer interface {
	Name() string
	fmt.Stringer

	// OutShape returns the shape Fwd produces for an input of shape s, or the error Fwd would fail with.
	OutShape(s tensor.Shape) (tensor.Shape, error)

	// Fwd applies the layer to x and returns a freshly allocated tensor. x is never modified.
	Fwd(x *tensor.Dense) (*tensor.Dense, error)
}

// Moder is implemented by layers whose behaviour depends on training/testing mode.
type Moder interface {
	SetTraining()
	SetTesting()
	IsTraining() bool
}

// triple is a (time, height, width) hyperparameter.
type triple [3]int

func (t triple) String() string { return fmt.Sprintf("(%d, %d, %d)", t[0], t[1], t[2]) }

func cube(n int) triple { return triple{n, n, n} }

// outExtent computes the extent of a strided window sweep. It is not positive when the window does not fit.
func outExtent(in, kernel, stride, pad int) int {
	if in+2*pad < kernel {
		return 0
	}
	return (in+2*pad-kernel)/stride + 1
}

// ReLU is the rectified linear activation.
type ReLU struct{ name string }

func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (l *ReLU) Name() string   { return l.name }
func (l *ReLU) String() string { return "ReLU()" }

func (l *ReLU) OutShape(s tensor.Shape) (tensor.Shape, error) { return s.Clone(), nil }

// Fwd zeroes negative values. NaN passes through.
func (l *ReLU) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 || math32.IsNaN(v) {
			out[i] = v
		}
	}
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// Flatten collapses every axis but the first.
type Flatten struct{ name string }

func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (l *Flatten) Name() string   { return l.name }
func (l *Flatten) String() string { return "Flatten()" }

func (l *Flatten) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() < 2 || s[0] == 0 {
		return nil, shapeErr("cannot flatten shape %v", s)
	}
	return tensor.Shape{s[0], s.TotalSize() / s[0]}, nil
}

func (l *Flatten) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	outShape, err := l.OutShape(x.Shape())
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}
