package c3d

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch is the cause of every error raised because a tensor's
	// rank or extents are incompatible with a layer's geometry.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDtype is returned when a tensor is not float32.
	ErrDtype = errors.New("unsupported dtype")

	// ErrInvalidConfig is returned by New when the Config is not valid.
	ErrInvalidConfig = errors.New("invalid config")
)

func shapeErr(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// float32s returns the packed row-major data of a float32 tensor. Views are materialized first.
func float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil tensor")
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrDtype, "expected %v, got %v", Float, t.Dtype())
	}
	return data, nil
}

// paramData returns the data of each parameter, in order.
func paramData(params ...*Parameter) ([][]float32, error) {
	retVal := make([][]float32, len(params))
	for i, p := range params {
		data, err := float32s(p.Dense)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", p.Name)
		}
		retVal[i] = data
	}
	return retVal, nil
}
