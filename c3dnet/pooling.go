package c3d

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// MaxPool3D takes the maximum over (time, height, width) windows. Partial windows are dropped.
type MaxPool3D struct {
	name   string
	kernel triple
	stride triple
}

func NewMaxPool3D(name string, kernel, stride triple) *MaxPool3D {
	return &MaxPool3D{name: name, kernel: kernel, stride: stride}
}

func (l *MaxPool3D) Name() string { return l.name }

func (l *MaxPool3D) String() string {
	return fmt.Sprintf("MaxPool3d(kernel_size=%v, stride=%v)", l.kernel, l.stride)
}

func (l *MaxPool3D) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() != 5 {
		return nil, shapeErr("expected a rank 5 tensor, got shape %v", s)
	}
	outT := outExtent(s[2], l.kernel[0], l.stride[0], 0)
	outH := outExtent(s[3], l.kernel[1], l.stride[1], 0)
	outW := outExtent(s[4], l.kernel[2], l.stride[2], 0)
	if outT <= 0 || outH <= 0 || outW <= 0 {
		return nil, shapeErr("output extent [%d %d %d] of input %v is not positive", outT, outH, outW, s)
	}
	return tensor.Shape{s[0], s[1], outT, outH, outW}, nil
}

func (l *MaxPool3D) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	outShape, err := l.OutShape(s)
	if err != nil {
		return nil, err
	}
	inT, inH, inW := s[2], s[3], s[4]
	outT, outH, outW := outShape[2], outShape[3], outShape[4]

	planes := s[0] * s[1]
	out := make([]float32, planes*outT*outH*outW)
	var i int
	for p := 0; p < planes; p++ {
		vol := data[p*inT*inH*inW : (p+1)*inT*inH*inW]
		for ot := 0; ot < outT; ot++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := math32.Inf(-1)
					for dt := 0; dt < l.kernel[0]; dt++ {
						t := ot*l.stride[0] + dt
						for dy := 0; dy < l.kernel[1]; dy++ {
							y := oy*l.stride[1] + dy
							row := vol[(t*inH+y)*inW:]
							for dx := 0; dx < l.kernel[2]; dx++ {
								// NaN propagates
								if v := row[ox*l.stride[2]+dx]; v > best || math32.IsNaN(v) {
									best = v
								}
							}
						}
					}
					out[i] = best
					i++
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(s[0], s[1], outT, outH, outW), tensor.WithBacking(out)), nil
}

// AdaptiveAvgPool3D averages over bins sized so that the output always has the target extent.
type AdaptiveAvgPool3D struct {
	name string
	size triple
}

func NewAdaptiveAvgPool3D(name string, size triple) *AdaptiveAvgPool3D {
	return &AdaptiveAvgPool3D{name: name, size: size}
}

func (l *AdaptiveAvgPool3D) Name() string { return l.name }

func (l *AdaptiveAvgPool3D) String() string {
	if l.size[0] == l.size[1] && l.size[1] == l.size[2] {
		return fmt.Sprintf("AdaptiveAvgPool3d(output_size=%d)", l.size[0])
	}
	return fmt.Sprintf("AdaptiveAvgPool3d(output_size=%v)", l.size)
}

func (l *AdaptiveAvgPool3D) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() != 5 {
		return nil, shapeErr("expected a rank 5 tensor, got shape %v", s)
	}
	if s[2] <= 0 || s[3] <= 0 || s[4] <= 0 {
		return nil, shapeErr("cannot pool an empty extent %v", s)
	}
	return tensor.Shape{s[0], s[1], l.size[0], l.size[1], l.size[2]}, nil
}

func (l *AdaptiveAvgPool3D) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	if _, err = l.OutShape(s); err != nil {
		return nil, err
	}
	inT, inH, inW := s[2], s[3], s[4]
	outT, outH, outW := l.size[0], l.size[1], l.size[2]

	planes := s[0] * s[1]
	out := make([]float32, planes*outT*outH*outW)
	var i int
	for p := 0; p < planes; p++ {
		vol := data[p*inT*inH*inW : (p+1)*inT*inH*inW]
		for ot := 0; ot < outT; ot++ {
			t0, t1 := bin(ot, inT, outT)
			for oy := 0; oy < outH; oy++ {
				y0, y1 := bin(oy, inH, outH)
				for ox := 0; ox < outW; ox++ {
					x0, x1 := bin(ox, inW, outW)
					var sum float32
					for t := t0; t < t1; t++ {
						for y := y0; y < y1; y++ {
							row := (t*inH + y) * inW
							sum += vecf32.Sum(vol[row+x0 : row+x1])
						}
					}
					out[i] = sum / float32((t1-t0)*(y1-y0)*(x1-x0))
					i++
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(s[0], s[1], outT, outH, outW), tensor.WithBacking(out)), nil
}

// bin returns the half open input range [floor(i*in/out), ceil((i+1)*in/out)) pooled into output cell i.
func bin(i, in, out int) (start, end int) {
	return i * in / out, ((i+1)*in + out - 1) / out
}
