package pipeline

import (
	"fmt"
	"math"

	"github.com/meigma/tensorcache/tensor"
)

// Interpolation modes accepted by resampling stages.
const (
	ModeBilinear = "bilinear"
	ModeNearest  = "nearest"
)

// planes is a float64 view of a tensor's last two axes, one h*w plane per
// leading index.
type planes struct {
	dtype tensor.DType
	lead  []int
	n     int
	h, w  int
	vals  []float64
}

func toPlanes(t *tensor.Tensor) (*planes, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("spatial stage needs rank >= 2, got shape %v", t.Shape)
	}
	rank := len(t.Shape)
	p := &planes{
		dtype: t.DType,
		lead:  append([]int(nil), t.Shape[:rank-2]...),
		n:     tensor.NumElements(t.Shape[:rank-2]),
		h:     t.Shape[rank-2],
		w:     t.Shape[rank-1],
		vals:  make([]float64, t.Len()),
	}
	for i := range p.vals {
		p.vals[i] = t.Float64At(i)
	}
	return p, nil
}

func newPlanes(like *planes, h, w int) *planes {
	return &planes{
		dtype: like.dtype,
		lead:  like.lead,
		n:     like.n,
		h:     h,
		w:     w,
		vals:  make([]float64, like.n*h*w),
	}
}

func (p *planes) plane(i int) []float64 {
	return p.vals[i*p.h*p.w : (i+1)*p.h*p.w]
}

func (p *planes) tensor() *tensor.Tensor {
	shape := append(append([]int(nil), p.lead...), p.h, p.w)
	out := tensor.New(p.dtype, shape...)
	for i, v := range p.vals {
		out.SetFloat64At(i, v)
	}
	return out
}

// sample reads plane at fractional (y, x). Coordinates outside the
// half-pixel border return fill when zeroPad is set and clamp otherwise.
func sample(plane []float64, h, w int, y, x float64, mode string, zeroPad bool) float64 {
	if h == 0 || w == 0 {
		return 0
	}
	if zeroPad && (y < -0.5 || y > float64(h)-0.5 || x < -0.5 || x > float64(w)-0.5) {
		return 0
	}
	if mode == ModeNearest {
		yi := clampInt(int(math.Round(y)), 0, h-1)
		xi := clampInt(int(math.Round(x)), 0, w-1)
		return plane[yi*w+xi]
	}
	y = math.Max(0, math.Min(float64(h-1), y))
	x = math.Max(0, math.Min(float64(w-1), x))
	y0, x0 := int(math.Floor(y)), int(math.Floor(x))
	y1, x1 := min(y0+1, h-1), min(x0+1, w-1)
	dy, dx := y-float64(y0), x-float64(x0)
	top := plane[y0*w+x0]*(1-dx) + plane[y0*w+x1]*dx
	bottom := plane[y1*w+x0]*(1-dx) + plane[y1*w+x1]*dx
	return top*(1-dy) + bottom*dy
}

// resample maps each output pixel centre back into the source grid
// (half-pixel convention).
func resample(src *planes, outH, outW int, mode string) *planes {
	out := newPlanes(src, outH, outW)
	sy := float64(src.h) / float64(max(outH, 1))
	sx := float64(src.w) / float64(max(outW, 1))
	for i := range src.n {
		in, dst := src.plane(i), out.plane(i)
		for y := range outH {
			fy := (float64(y)+0.5)*sy - 0.5
			for x := range outW {
				fx := (float64(x)+0.5)*sx - 0.5
				dst[y*outW+x] = sample(in, src.h, src.w, fy, fx, mode, false)
			}
		}
	}
	return out
}

// cropOrPad centre-crops or zero-pads to outH x outW.
func cropOrPad(src *planes, outH, outW int) *planes {
	out := newPlanes(src, outH, outW)
	offY := (src.h - outH) / 2
	offX := (src.w - outW) / 2
	for i := range src.n {
		in, dst := src.plane(i), out.plane(i)
		for y := range outH {
			sy := y + offY
			if sy < 0 || sy >= src.h {
				continue
			}
			for x := range outW {
				sx := x + offX
				if sx < 0 || sx >= src.w {
					continue
				}
				dst[y*outW+x] = in[sy*src.w+sx]
			}
		}
	}
	return out
}

// flip mirrors along spatial axis 0 (rows) or 1 (columns).
func flip(src *planes, axis int) *planes {
	out := newPlanes(src, src.h, src.w)
	for i := range src.n {
		in, dst := src.plane(i), out.plane(i)
		for y := range src.h {
			for x := range src.w {
				sy, sx := y, x
				if axis == 0 {
					sy = src.h - 1 - y
				} else {
					sx = src.w - 1 - x
				}
				dst[y*src.w+x] = in[sy*src.w+sx]
			}
		}
	}
	return out
}

// affine applies an inverse mapping about the plane centre: each output
// pixel p reads the source at c + M(p - c), zero-filled outside.
func affine(src *planes, m [2][2]float64, mode string) *planes {
	out := newPlanes(src, src.h, src.w)
	cy := float64(src.h-1) / 2
	cx := float64(src.w-1) / 2
	for i := range src.n {
		in, dst := src.plane(i), out.plane(i)
		for y := range src.h {
			dy := float64(y) - cy
			for x := range src.w {
				dx := float64(x) - cx
				fy := cy + m[0][0]*dy + m[0][1]*dx
				fx := cx + m[1][0]*dy + m[1][1]*dx
				dst[y*src.w+x] = sample(in, src.h, src.w, fy, fx, mode, true)
			}
		}
	}
	return out
}

func rotate(src *planes, angle float64, mode string) *planes {
	c, s := math.Cos(angle), math.Sin(angle)
	return affine(src, [2][2]float64{{c, s}, {-s, c}}, mode)
}

func zoom(src *planes, factor float64, mode string) *planes {
	inv := 1 / factor
	return affine(src, [2][2]float64{{inv, 0}, {0, inv}}, mode)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
