package c3d

import (
	"fmt"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// BatchNorm3D normalizes each channel of a (N, C, T, H, W) tensor.
//
// In training mode the batch statistics are used and the running statistics are updated in place.
// In testing mode the running statistics are used and left untouched.
type BatchNorm3D struct {
	name     string
	features int
	momentum float64
	eps      float64
	training bool

	gamma, beta *Parameter // named weight and bias

	runningMean, runningVar *Parameter
	tracked                 int // batches seen in training mode
}

// NewBatchNorm3D creates a batchnorm layer with unit scale, zero shift and unit running variance.
// New layers are in training mode.
func NewBatchNorm3D(name string, features int, momentum, eps float64) *BatchNorm3D {
	rm := newParameter(name+".running_mean", G.Zeroes(), features)
	rv := newParameter(name+".running_var", G.Ones(), features)
	rm.Trainable = false
	rv.Trainable = false
	return &BatchNorm3D{
		name:        name,
		features:    features,
		momentum:    momentum,
		eps:         eps,
		training:    true,
		gamma:       newParameter(name+".weight", G.Ones(), features),
		beta:        newParameter(name+".bias", G.Zeroes(), features),
		runningMean: rm,
		runningVar:  rv,
	}
}

func (l *BatchNorm3D) Name() string { return l.name }

func (l *BatchNorm3D) String() string {
	return fmt.Sprintf("BatchNorm3d(%d, eps=%g, momentum=%g)", l.features, l.eps, l.momentum)
}

// Params returns the scale and the shift, in that order.
func (l *BatchNorm3D) Params() []*Parameter { return []*Parameter{l.gamma, l.beta} }

// Buffers returns the running mean and variance. They are not trainable.
func (l *BatchNorm3D) Buffers() []*Parameter { return []*Parameter{l.runningMean, l.runningVar} }

// Tracked returns the number of batches that updated the running statistics.
func (l *BatchNorm3D) Tracked() int { return l.tracked }

func (l *BatchNorm3D) SetTraining()     { l.training = true }
func (l *BatchNorm3D) SetTesting()      { l.training = false }
func (l *BatchNorm3D) IsTraining() bool { return l.training }

// Reset restores the running statistics to their initial values.
func (l *BatchNorm3D) Reset() error {
	rm, err := float32s(l.runningMean.Dense)
	if err != nil {
		return err
	}
	rv, err := float32s(l.runningVar.Dense)
	if err != nil {
		return err
	}
	fill(rm, 0)
	fill(rv, 1)
	l.tracked = 0
	return nil
}

// OutShape depends on the mode: in training mode every channel needs more than one value.
func (l *BatchNorm3D) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() != 5 {
		return nil, shapeErr("expected a rank 5 tensor, got shape %v", s)
	}
	if s[1] != l.features {
		return nil, shapeErr("expected %d channels, got shape %v", l.features, s)
	}
	if l.training && s[0]*s[2]*s[3]*s[4] < 2 {
		return nil, shapeErr("expected more than 1 value per channel when training, got shape %v", s)
	}
	return s.Clone(), nil
}

func (l *BatchNorm3D) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	if _, err = l.OutShape(s); err != nil {
		return nil, err
	}
	batch, spatial := s[0], s[2]*s[3]*s[4]
	count := batch * spatial

	params, err := paramData(l.gamma, l.beta, l.runningMean, l.runningVar)
	if err != nil {
		return nil, err
	}
	gamma, beta, rm, rv := params[0], params[1], params[2], params[3]

	out := make([]float32, len(data))
	copy(out, data)
	for c := 0; c < l.features; c++ {
		var mean, variance float64
		if l.training {
			mean, variance = l.channelStats(data, c, batch, spatial)
			m := l.momentum
			rm[c] = float32((1-m)*float64(rm[c]) + m*mean)
			rv[c] = float32((1-m)*float64(rv[c]) + m*variance*float64(count)/float64(count-1))
		} else {
			mean, variance = float64(rm[c]), float64(rv[c])
		}

		// y = (x - mean) / sqrt(var + eps) * gamma + beta, folded into one scale and one shift
		scale := gamma[c] / math32.Sqrt(float32(variance+l.eps))
		shift := beta[c] - float32(mean)*scale
		for n := 0; n < batch; n++ {
			seg := out[(n*l.features+c)*spatial : (n*l.features+c+1)*spatial]
			vecf32.Scale(seg, scale)
			vecf32.Trans(seg, shift)
		}
	}
	if l.training {
		l.tracked++
	}
	return tensor.New(tensor.WithShape(s.Clone()...), tensor.WithBacking(out)), nil
}

// channelStats returns the mean and the biased variance of channel c across the batch.
func (l *BatchNorm3D) channelStats(data []float32, c, batch, spatial int) (mean, variance float64) {
	count := float64(batch * spatial)
	for n := 0; n < batch; n++ {
		for _, v := range data[(n*l.features+c)*spatial : (n*l.features+c+1)*spatial] {
			mean += float64(v)
		}
	}
	mean /= count
	for n := 0; n < batch; n++ {
		for _, v := range data[(n*l.features+c)*spatial : (n*l.features+c+1)*spatial] {
			d := float64(v) - mean
			variance += d * d
		}
	}
	return mean, variance / count
}
