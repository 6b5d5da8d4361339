package c3d

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv3D is a volumetric convolution over (time, height, width).
//
// The weight has shape (out, in, kt, kh, kw) and the bias has shape (out).
type Conv3D struct {
	name    string
	in, out int
	kernel  triple
	stride  triple
	padding triple

	w, b *Parameter
}

// NewConv3D creates a convolution with uniform initialization bounded by 1/sqrt(fan_in).
func NewConv3D(name string, in, out int, kernel, stride, padding triple) *Conv3D {
	fanIn := in * kernel[0] * kernel[1] * kernel[2]
	bound := 1 / math.Sqrt(float64(fanIn))
	return &Conv3D{
		name:    name,
		in:      in,
		out:     out,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
		w:       newParameter(name+".weight", G.Uniform(-bound, bound), out, in, kernel[0], kernel[1], kernel[2]),
		b:       newParameter(name+".bias", G.Uniform(-bound, bound), out),
	}
}

func (l *Conv3D) Name() string { return l.name }

func (l *Conv3D) String() string {
	return fmt.Sprintf("Conv3d(%d, %d, kernel_size=%v, stride=%v, padding=%v)", l.in, l.out, l.kernel, l.stride, l.padding)
}

// Params returns the weight and the bias, in that order.
func (l *Conv3D) Params() []*Parameter { return []*Parameter{l.w, l.b} }

// OutShape returns the shape Fwd produces for an input of shape s.
func (l *Conv3D) OutShape(s tensor.Shape) (tensor.Shape, error) {
	if s.Dims() != 5 {
		return nil, shapeErr("expected a rank 5 tensor, got shape %v", s)
	}
	if s[1] != l.in {
		return nil, shapeErr("expected %d input channels, got shape %v", l.in, s)
	}
	retVal := tensor.Shape{s[0], l.out, 0, 0, 0}
	for i := 0; i < 3; i++ {
		if retVal[i+2] = outExtent(s[i+2], l.kernel[i], l.stride[i], l.padding[i]); retVal[i+2] <= 0 {
			return nil, shapeErr("input %v is too small for kernel %v with padding %v", s, l.kernel, l.padding)
		}
	}
	return retVal, nil
}

// Fwd convolves each (sample, output frame) pair as one matrix product:
//	W (out × in·kt·kh·kw) · cols (in·kt·kh·kw × oh·ow)
func (l *Conv3D) Fwd(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := float32s(x)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	outShape, err := l.OutShape(s)
	if err != nil {
		return nil, err
	}
	params, err := paramData(l.w, l.b)
	if err != nil {
		return nil, err
	}
	weights, bias := params[0], params[1]

	batch, inT, inH, inW := s[0], s[2], s[3], s[4]
	outT, outH, outW := outShape[2], outShape[3], outShape[4]
	plane := outH * outW
	k := l.in * l.kernel[0] * l.kernel[1] * l.kernel[2]

	out := make([]float32, outShape.TotalSize())
	for n := 0; n < batch; n++ {
		for oc := 0; oc < l.out; oc++ {
			start := (n*l.out + oc) * outT * plane
			fill(out[start:start+outT*plane], bias[oc])
		}
	}

	cols := borrowCols(k * plane)
	defer returnCols(cols)
	wmat := blas32.General{Rows: l.out, Cols: k, Stride: k, Data: weights}
	colmat := blas32.General{Rows: k, Cols: plane, Stride: plane, Data: cols}
	sample := l.in * inT * inH * inW
	for n := 0; n < batch; n++ {
		src := data[n*sample : (n+1)*sample]
		for ot := 0; ot < outT; ot++ {
			l.im2col(src, cols, inT, inH, inW, ot, outH, outW)

			// rows of the output matrix are channels, strided by a whole clip of frames
			offset := (n*l.out*outT + ot) * plane
			outmat := blas32.General{Rows: l.out, Cols: plane, Stride: outT * plane, Data: out[offset:]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wmat, colmat, 1, outmat)
		}
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}

// im2col unrolls the receptive fields of output frame ot into cols. Every element of cols is written.
func (l *Conv3D) im2col(src, cols []float32, inT, inH, inW, ot, outH, outW int) {
	kt, kh, kw := l.kernel[0], l.kernel[1], l.kernel[2]
	plane := outH * outW
	row := 0
	for c := 0; c < l.in; c++ {
		for dt := 0; dt < kt; dt++ {
			t := ot*l.stride[0] - l.padding[0] + dt
			for dy := 0; dy < kh; dy++ {
				for dx := 0; dx < kw; dx++ {
					dst := cols[row*plane : (row+1)*plane]
					row++
					if t < 0 || t >= inT {
						fill(dst, 0)
						continue
					}
					frame := src[(c*inT+t)*inH*inW : (c*inT+t+1)*inH*inW]
					for oy := 0; oy < outH; oy++ {
						y := oy*l.stride[1] - l.padding[1] + dy
						line := dst[oy*outW : (oy+1)*outW]
						if y < 0 || y >= inH {
							fill(line, 0)
							continue
						}
						for ox := range line {
							xx := ox*l.stride[2] - l.padding[2] + dx
							if xx < 0 || xx >= inW {
								line[ox] = 0
								continue
							}
							line[ox] = frame[y*inW+xx]
						}
					}
				}
			}
		}
	}
}

func fill(a []float32, v float32) {
	for i := range a {
		a[i] = v
	}
}
