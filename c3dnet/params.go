package c3d

import (
	"strings"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var Float = G.Float32

// Parameter is a named learnable tensor owned by exactly one layer.
type Parameter struct {
	*tensor.Dense
	Name      string
	Trainable bool // participates in gradient updates
}

func newParameter(name string, init G.InitWFn, shape ...int) *Parameter {
	return &Parameter{
		Dense:     tensor.New(tensor.WithShape(shape...), tensor.WithBacking(init(Float, shape...))),
		Name:      name,
		Trainable: true,
	}
}

// Parameterized is anything that owns an ordered list of parameters.
type Parameterized interface {
	Params() []*Parameter
}

// WeightParams returns every trainable parameter whose name contains "weight", in registration order.
// Optimizers use it to apply the base learning rate to kernels, weight matrices and batchnorm scales.
func WeightParams(p Parameterized) []*Parameter { return filterParams(p, "weight") }

// BiasParams returns every trainable parameter whose name contains "bias", in registration order.
// Optimizers typically apply a doubled learning rate to this group.
//
// A parameter named with neither substring is returned by neither function.
func BiasParams(p Parameterized) []*Parameter { return filterParams(p, "bias") }

func filterParams(p Parameterized, substr string) []*Parameter {
	var retVal []*Parameter
	for _, param := range p.Params() {
		if param.Trainable && strings.Contains(param.Name, substr) {
			retVal = append(retVal, param)
		}
	}
	return retVal
}

// countParams returns the number of scalars held by params.
func countParams(params []*Parameter) int {
	var n int
	for _, p := range params {
		n += p.Shape().TotalSize()
	}
	return n
}
