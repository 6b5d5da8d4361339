package c3d

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Network is the C3D feature extractor with batch normalization.
//
// The trunk is an ordered sequence of layers ending in a global average pool and a flatten.
// Two independent linear heads read the same pooled 512-wide feature: the motion head and the appearance head.
type Network struct {
	Config

	layers   []Layer
	motion   *Linear
	app      *Linear
	training bool
	logger   *log.Logger
}

// block describes one convolution stage: a conv → batchnorm → relu triplet per suffix,
// followed by an optional max pool.
type block struct {
	id       string
	suffixes []string
	widths   []int
	pool     triple // zero means no pooling
}

var blocks = []block{
	{"1", []string{""}, []int{64}, triple{1, 2, 2}},
	{"2", []string{""}, []int{128}, cube(2)},
	{"3", []string{"a", "b"}, []int{256, 256}, cube(2)},
	{"4", []string{"a", "b"}, []int{512, 512}, cube(2)},
	{"5", []string{"a", "b"}, []int{512, 512}, triple{}},
}

// New builds a network with freshly initialized parameters. The network starts in training mode.
func New(conf Config) (*Network, error) {
	if !conf.IsValid() {
		return nil, errors.Wrapf(ErrInvalidConfig, "%+v", conf)
	}
	retVal := &Network{
		Config:   conf,
		training: true,
	}

	in := Channels
	for _, b := range blocks {
		for i, suffix := range b.suffixes {
			id := b.id + suffix
			out := b.widths[i]
			retVal.layers = append(retVal.layers,
				NewConv3D("conv"+id, in, out, cube(3), cube(1), cube(1)),
				NewBatchNorm3D("bn"+id, out, conf.Momentum, conf.Epsilon),
				NewReLU("relu"+id),
			)
			in = out
		}
		if b.pool != (triple{}) {
			retVal.layers = append(retVal.layers, NewMaxPool3D("pool"+b.id, b.pool, b.pool))
		}
	}
	retVal.layers = append(retVal.layers,
		NewAdaptiveAvgPool3D("pool5", cube(1)),
		NewFlatten("flatten"),
	)
	retVal.motion = NewLinear("motion_linear", FeatureWidth, conf.MotionDims)
	retVal.app = NewLinear("app_linear", FeatureWidth, conf.AppDims)
	return retVal, nil
}

// Fwd runs a batch of clips of shape (N, 3, T, H, W) through the network.
//
// The input is validated against the whole pipeline before any computation: a failing Fwd leaves the
// batchnorm running statistics untouched. Geometry errors name the first layer that cannot process the input.
func (n *Network) Fwd(x *tensor.Dense) (motion, app *tensor.Dense, err error) {
	if _, err = float32s(x); err != nil {
		return nil, nil, err
	}
	if err = n.checkShape(x.Shape()); err != nil {
		return nil, nil, err
	}
	if x.IsMaterializable() {
		x = x.Materialize().(*tensor.Dense)
	}

	features := x
	for _, l := range n.layers {
		if features, err = n.apply(l, features); err != nil {
			return nil, nil, err
		}
	}
	if motion, err = n.apply(n.motion, features); err != nil {
		return nil, nil, err
	}
	if app, err = n.apply(n.app, features); err != nil {
		return nil, nil, err
	}
	return motion, app, nil
}

// checkShape walks s through every layer's OutShape.
func (n *Network) checkShape(s tensor.Shape) (err error) {
	if s.Dims() != 5 {
		return shapeErr("expected a rank 5 tensor, got shape %v", s)
	}
	if s[0] < 1 {
		return shapeErr("empty batch %v", s)
	}
	if s[1] != Channels {
		return shapeErr("expected %d channels, got shape %v", Channels, s)
	}
	for _, l := range n.layers {
		if s, err = l.OutShape(s); err != nil {
			return errors.Wrapf(err, "%s", l.Name())
		}
	}
	for _, head := range []*Linear{n.motion, n.app} {
		if _, err = head.OutShape(s); err != nil {
			return errors.Wrapf(err, "%s", head.Name())
		}
	}
	return nil
}

func (n *Network) apply(l Layer, x *tensor.Dense) (*tensor.Dense, error) {
	start := time.Now()
	retVal, err := l.Fwd(x)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", l.Name())
	}
	if n.logger != nil {
		n.logger.Printf("%-14s %-22v -> %-22v %v", l.Name(), x.Shape(), retVal.Shape(), time.Since(start))
	}
	return retVal, nil
}

// Layers returns the trunk, in application order.
func (n *Network) Layers() []Layer { return n.layers }

// Heads returns the motion and the appearance projections.
func (n *Network) Heads() (motion, app *Linear) { return n.motion, n.app }

// Params returns every learnable parameter in registration order: the trunk from block 1 to block 5,
// then the motion head, then the appearance head.
func (n *Network) Params() []*Parameter {
	var retVal []*Parameter
	for _, l := range n.layers {
		if p, ok := l.(Parameterized); ok {
			retVal = append(retVal, p.Params()...)
		}
	}
	retVal = append(retVal, n.motion.Params()...)
	return append(retVal, n.app.Params()...)
}

// Buffers returns the batchnorm running statistics, which are state but not parameters.
func (n *Network) Buffers() []*Parameter {
	var retVal []*Parameter
	for _, l := range n.layers {
		if bn, ok := l.(*BatchNorm3D); ok {
			retVal = append(retVal, bn.Buffers()...)
		}
	}
	return retVal
}

// NumParams returns the number of learnable scalars.
func (n *Network) NumParams() int { return countParams(n.Params()) }

// SetTraining makes batchnorm layers normalize with batch statistics and update their running statistics.
func (n *Network) SetTraining() {
	n.training = true
	for _, l := range n.layers {
		if m, ok := l.(Moder); ok {
			m.SetTraining()
		}
	}
}

// SetTesting makes batchnorm layers normalize with their running statistics, leaving them untouched.
func (n *Network) SetTesting() {
	n.training = false
	for _, l := range n.layers {
		if m, ok := l.(Moder); ok {
			m.SetTesting()
		}
	}
}

func (n *Network) IsTraining() bool { return n.training }

// SetLogger enables a per-layer trace of Fwd. A nil logger disables it.
func (n *Network) SetLogger(l *log.Logger) { n.logger = l }

// Clone returns an independent network with the same configuration, mode, parameters and running statistics.
func (n *Network) Clone() (*Network, error) {
	n2, err := New(n.Config)
	if err != nil {
		return nil, err
	}
	if err = copyParams(n2.Params(), n.Params()); err != nil {
		return nil, err
	}
	if err = copyParams(n2.Buffers(), n.Buffers()); err != nil {
		return nil, err
	}
	for i, l := range n.layers {
		if bn, ok := l.(*BatchNorm3D); ok {
			n2.layers[i].(*BatchNorm3D).tracked = bn.tracked
		}
	}
	if !n.training {
		n2.SetTesting()
	}
	n2.logger = n.logger
	return n2, nil
}

func copyParams(dst, src []*Parameter) error {
	if len(dst) != len(src) {
		return errors.Errorf("cannot copy %d parameters into %d", len(src), len(dst))
	}
	for i := range src {
		d, err := float32s(dst[i].Dense)
		if err != nil {
			return err
		}
		s, err := float32s(src[i].Dense)
		if err != nil {
			return err
		}
		copy(d, s)
		dst[i].Trainable = src[i].Trainable
	}
	return nil
}

// String summarizes the network one layer per line.
func (n *Network) String() string {
	var buf bytes.Buffer
	for _, l := range n.layers {
		fmt.Fprintf(&buf, "(%s): %v\n", l.Name(), l)
	}
	fmt.Fprintf(&buf, "(%s): %v\n", n.motion.Name(), n.motion)
	fmt.Fprintf(&buf, "(%s): %v\n", n.app.Name(), n.app)
	return buf.String()
}
