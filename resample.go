package repub

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// gaussianKernel matches the usual image-processing definition: sigma 0.5
// truncated at three.
var gaussianKernel = &draw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		const sigma = 0.5
		return math.Exp(-t*t/(2*sigma*sigma)) / math.Sqrt(2*math.Pi*sigma*sigma)
	},
}

var lanczos3Kernel = &draw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t >= 3 {
			return 0
		}
		pt := math.Pi * t
		return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
	},
}

var interpolators = map[FilterType]draw.Interpolator{
	FilterNearest:    draw.NearestNeighbor,
	FilterTriangle:   draw.BiLinear,
	FilterCatmullRom: draw.CatmullRom,
	FilterGaussian:   gaussianKernel,
	FilterLanczos3:   lanczos3Kernel,
}

// resize scales src to dstW x dstH with the configured kernel.
func resize(src image.Image, dstW, dstH int, f FilterType) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	interp, ok := interpolators[f]
	if !ok {
		interp = draw.BiLinear
	}
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// fitWithin returns the largest size with the aspect ratio of w x h that
// fits maxW x maxH, never larger than the original. Sides are floored and
// never drop below one pixel.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	var nw, nh int
	if int64(w)*int64(maxH) >= int64(h)*int64(maxW) {
		nw = maxW
		nh = int(int64(h) * int64(maxW) / int64(w))
	} else {
		nh = maxH
		nw = int(int64(w) * int64(maxH) / int64(h))
	}
	return max(nw, 1), max(nh, 1)
}
