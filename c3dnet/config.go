package c3d

import "gorgonia.org/tensor"

// Config configures the neural network
type Config struct {
	MotionDims int // width of the motion head
	AppDims    int // width of the appearance head

	Momentum float64 // batchnorm running statistics momentum
	Epsilon  float64 // batchnorm variance epsilon
}

// DefaultConf returns the configuration of the reference C3D-BN feature extractor.
func DefaultConf() Config {
	return Config{
		MotionDims: 14,
		AppDims:    13,
		Momentum:   0.1,
		Epsilon:    1e-5,
	}
}

func (conf Config) IsValid() bool {
	return conf.MotionDims >= 1 &&
		conf.AppDims >= 1 &&
		conf.Momentum >= 0 && conf.Momentum <= 1 &&
		conf.Epsilon > 0
}

const (
	// Channels is the number of colour channels of an input clip.
	Channels = 3
	// Frames, Height and Width are the canonical clip geometry.
	Frames = 16
	Height = 112
	Width  = 112

	// FeatureWidth is the width of the pooled feature both heads read from.
	FeatureWidth = 512
)

// InputShape returns the canonical shape of a batch of clips: (batch, 3, 16, 112, 112).
func InputShape(batch int) tensor.Shape {
	return tensor.Shape{batch, Channels, Frames, Height, Width}
}
