package fingerprint

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

const (
	canvasWidth  = 240
	canvasHeight = 60
)

// renderCanvas draws a fixed scene at fixed coordinates and returns its PNG
// encoding. Every input is pinned so repeated renders are byte-identical.
func renderCanvas() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, canvasWidth, canvasHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.NRGBA{R: 0xf6, G: 0x0f, B: 0x0f, A: 0xff}}, image.Point{}, draw.Src)

	// A translucent band blended over the fill.
	band := image.Rect(20, 10, 200, 40)
	draw.Draw(img, band, &image.Uniform{C: color.NRGBA{R: 0x66, G: 0xcc, B: 0x00, A: 0xb3}}, image.Point{}, draw.Over)

	// A horizontal gradient strip.
	for x := 0; x < canvasWidth; x++ {
		c := color.NRGBA{R: uint8(x), G: uint8(255 - x), B: 0x69, A: 0xff}
		for y := 44; y < 52; y++ {
			img.Set(x, y, c)
		}
	}

	// A filled circle of radius 12 centred at (210, 25).
	for y := 13; y <= 37; y++ {
		for x := 198; x <= 222; x++ {
			dx, dy := x-210, y-25
			if dx*dx+dy*dy <= 144 {
				img.Set(x, y, color.NRGBA{R: 0x00, G: 0x66, B: 0xff, A: 0xcc})
			}
		}
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
