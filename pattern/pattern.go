// Package pattern draws and checks the frames exchanged through shared
// memory. A frame is a horizontal gradient between two colors, identical on
// every row, written row by row at the resource's row pitch.
package pattern

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/xlab/linmath"

	"vulkan-external-memory/extmem"
	"vulkan-external-memory/unsafer"
)

// ErrMismatch is returned by Verify when memory does not hold the frame.
var ErrMismatch = errors.New("pattern: content mismatch")

var palette = []linmath.Vec4{
	{1, 0, 0, 1},
	{0, 1, 0, 1},
	{0, 0, 1, 1},
	{1, 1, 1, 1},
}

// Gradient blends from Left at the first column to Right at the last.
type Gradient struct {
	Left, Right linmath.Vec4
}

// ForFrame returns the gradient drawn for frame n.
func ForFrame(n int) Gradient {
	if n < 0 {
		n = -n
	}
	return Gradient{
		Left:  palette[n%len(palette)],
		Right: palette[(n+1)%len(palette)],
	}
}

// At returns the color of column x in a row of width columns.
func (g Gradient) At(x, width uint32) linmath.Vec4 {
	var t float32
	if width > 1 {
		t = float32(x) / float32(width-1)
	}

	var left, right, c linmath.Vec4
	left.Scale(&g.Left, 1-t)
	right.Scale(&g.Right, t)
	c.Add(&left, &right)

	return c
}

// Texel packs c into the byte order of format.
func Texel(c linmath.Vec4, format extmem.Format) [4]byte {
	r, g, b, a := channel(c[0]), channel(c[1]), channel(c[2]), channel(c[3])
	if format == extmem.FormatB8G8R8A8Unorm {
		return [4]byte{b, g, r, a}
	}
	return [4]byte{r, g, b, a}
}

func channel(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// Row returns one packed row of the gradient.
func (g Gradient) Row(desc extmem.ResourceDesc) []byte {
	texels := make([][4]byte, desc.Width)
	for x := range texels {
		texels[x] = Texel(g.At(uint32(x), desc.Width), desc.Format)
	}
	return unsafer.SliceToBytes(texels)
}

func checkSize(buf []byte, desc extmem.ResourceDesc, pitch uint64) error {
	if pitch < desc.RowBytes() {
		return fmt.Errorf("pattern: row pitch %d smaller than row of %d bytes", pitch, desc.RowBytes())
	}
	need := pitch*uint64(desc.Height-1) + desc.RowBytes()
	if uint64(len(buf)) < need {
		return fmt.Errorf("pattern: %d bytes cannot hold %dx%d at pitch %d", len(buf), desc.Width, desc.Height, pitch)
	}
	return nil
}

// Fill writes the gradient into dst. Padding between rows is left alone.
func Fill(dst []byte, desc extmem.ResourceDesc, pitch uint64, g Gradient) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := checkSize(dst, desc, pitch); err != nil {
		return err
	}

	row := g.Row(desc)
	for y := uint64(0); y < uint64(desc.Height); y++ {
		copy(dst[y*pitch:], row)
	}

	return nil
}

// Verify checks that src holds the gradient.
func Verify(src []byte, desc extmem.ResourceDesc, pitch uint64, g Gradient) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := checkSize(src, desc, pitch); err != nil {
		return err
	}

	row := g.Row(desc)
	bpp := desc.Format.BytesPerPixel()
	for y := uint64(0); y < uint64(desc.Height); y++ {
		got := src[y*pitch : y*pitch+uint64(len(row))]
		for i := range row {
			if got[i] != row[i] {
				return fmt.Errorf("%w: pixel (%d, %d) byte %d is %#x, want %#x",
					ErrMismatch, uint64(i)/bpp, y, uint64(i)%bpp, got[i], row[i])
			}
		}
	}

	return nil
}

// Image copies src into an NRGBA image.
func Image(src []byte, desc extmem.ResourceDesc, pitch uint64) (*image.NRGBA, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := checkSize(src, desc, pitch); err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(desc.Width), int(desc.Height)))
	for y := 0; y < int(desc.Height); y++ {
		row := src[uint64(y)*pitch:]
		for x := 0; x < int(desc.Width); x++ {
			p := row[x*4 : x*4+4]
			c := color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
			if desc.Format == extmem.FormatB8G8R8A8Unorm {
				c.R, c.B = p[2], p[0]
			}
			img.SetNRGBA(x, y, c)
		}
	}

	return img, nil
}

// WritePNG encodes src as a PNG.
func WritePNG(w io.Writer, src []byte, desc extmem.ResourceDesc, pitch uint64) error {
	img, err := Image(src, desc, pitch)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}
