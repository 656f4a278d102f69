package gis

import (
	"image"
	"image/color"
)

// IsBlank samples every stride-th pixel along both axes and reports whether
// none of the samples is visible, non-white content. Fully transparent and
// all-white images are blank.
func IsBlank(img image.Image, stride int) bool {
	if img == nil {
		return true
	}
	if stride < 1 {
		stride = 1
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A == 0 {
				continue
			}
			if c.R < 0xff || c.G < 0xff || c.B < 0xff {
				return false
			}
		}
	}
	return true
}
