// Package gif renders video clip tensors as animated GIFs.
package gif

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"
)

var regular *truetype.Font

const (
	dpi        = 72.0
	fontsize   = 10.0
	lineheight = 1.2
	frameDelay = 8 // hundredths of a second
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// Encoder encodes the frames of (N, 3, T, H, W) clips into one animated GIF.
type Encoder struct {
	H, W int // size of one rendered frame, caption included
	font.Drawer

	out *gif.GIF
	io.Writer
	face font.Face

	scale int // pixels per clip pixel
	padH  int // height of the caption strip
}

// NewEncoder creates an encoder that writes to w, magnifying every clip pixel scale times.
func NewEncoder(w io.Writer, scale int) *Encoder {
	if scale < 1 {
		scale = 1
	}
	face := truetype.NewFace(regular, &truetype.Options{
		Size:    fontsize,
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	return &Encoder{
		H: -1,
		W: -1,
		Drawer: font.Drawer{
			Src:  image.White,
			Face: face,
		},
		out:    &gif.GIF{LoopCount: 0},
		Writer: w,
		face:   face,
		scale:  scale,
		padH:   int(math.Ceil(fontsize*lineheight*dpi/72)) + 4,
	}
}

// Encode appends every frame of one sample of clip. The sample is min-max normalized to the full colour range.
func (enc *Encoder) Encode(clip *tensor.Dense, sample int) error {
	s := clip.Shape()
	if s.Dims() != 5 || s[1] != 3 {
		return errors.Errorf("expected a (N, 3, T, H, W) clip, got shape %v", s)
	}
	if sample < 0 || sample >= s[0] {
		return errors.Errorf("sample %d out of range for a batch of %d", sample, s[0])
	}
	if clip.IsMaterializable() {
		clip = clip.Materialize().(*tensor.Dense)
	}
	data, ok := clip.Data().([]float32)
	if !ok {
		return errors.Errorf("expected float32 clip, got %v", clip.Dtype())
	}
	frames, h, w := s[2], s[3], s[4]
	plane := h * w
	vol := data[sample*3*frames*plane : (sample+1)*3*frames*plane]

	if enc.H < 0 {
		enc.H = h*enc.scale + enc.padH
		enc.W = w * enc.scale
	}
	if enc.H != h*enc.scale+enc.padH || enc.W != w*enc.scale {
		return errors.Errorf("clip of %dx%d does not match the %dx%d frames already encoded", h, w, enc.H-enc.padH, enc.W)
	}

	lo, span := finiteRange(vol)
	level := func(v float32) uint8 { return intensity(v, lo, span) }

	for t := 0; t < frames; t++ {
		im := image.NewPaletted(image.Rect(0, 0, enc.W, enc.H), palette.Plan9)
		draw.Draw(im, im.Bounds(), image.Black, image.Point{}, draw.Src)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := t*plane + y*w + x
				c := color.RGBA{
					R: level(vol[i]),
					G: level(vol[frames*plane+i]),
					B: level(vol[2*frames*plane+i]),
					A: 255,
				}
				idx := uint8(im.Palette.Index(c))
				for dy := 0; dy < enc.scale; dy++ {
					row := im.Pix[(y*enc.scale+dy)*im.Stride:]
					for dx := 0; dx < enc.scale; dx++ {
						row[x*enc.scale+dx] = idx
					}
				}
			}
		}
		enc.Dst = im
		enc.Dot = fixed.P(2, enc.H-4)
		enc.DrawString(fmt.Sprintf("frame %d/%d", t+1, frames))

		enc.out.Image = append(enc.out.Image, im)
		enc.out.Delay = append(enc.out.Delay, frameDelay)
	}
	return nil
}

// finiteRange returns the minimum and the extent of the finite values of vol. The extent is never 0.
func finiteRange(vol []float32) (lo, span float32) {
	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, v := range vol {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 1
	}
	if span = hi - lo; span == 0 || math32.IsInf(span, 0) {
		span = 1
	}
	return lo, span
}

// intensity maps v into [0, 255]. NaN is black, values outside the range saturate.
func intensity(v, lo, span float32) uint8 {
	f := 255 * (v - lo) / span
	switch {
	case math32.IsNaN(f) || f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f)
}

// Frames returns the number of frames encoded so far.
func (enc *Encoder) Frames() int { return len(enc.out.Image) }

// Flush writes the gif into the writer
func (enc *Encoder) Flush() error { return gif.EncodeAll(enc.Writer, enc.out) }
