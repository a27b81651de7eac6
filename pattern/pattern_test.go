package pattern

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlab/linmath"

	"vulkan-external-memory/extmem"
)

var desc = extmem.ResourceDesc{
	Kind:   extmem.ResourceImage,
	Width:  5,
	Height: 3,
	Format: extmem.FormatB8G8R8A8Unorm,
}

func TestGradientEnds(t *testing.T) {
	g := ForFrame(0)

	assert.Equal(t, linmath.Vec4{1, 0, 0, 1}, g.At(0, 5))
	assert.Equal(t, linmath.Vec4{0, 1, 0, 1}, g.At(4, 5))
	assert.Equal(t, linmath.Vec4{0.5, 0.5, 0, 1}, g.At(2, 5))

	assert.Equal(t, ForFrame(1).Left, g.Right)
	assert.Equal(t, ForFrame(4), ForFrame(0))
}

func TestTexel(t *testing.T) {
	c := linmath.Vec4{1, 0.5, 0, 1}

	assert.Equal(t, [4]byte{0, 128, 255, 255}, Texel(c, extmem.FormatB8G8R8A8Unorm))
	assert.Equal(t, [4]byte{255, 128, 0, 255}, Texel(c, extmem.FormatR8G8B8A8Unorm))
	assert.Equal(t, [4]byte{0, 255, 0, 255}, Texel(linmath.Vec4{-1, 2, 0, 1}, extmem.FormatR8G8B8A8Unorm))
}

func TestFillVerify(t *testing.T) {
	const pitch = 32
	buf := bytes.Repeat([]byte{0xee}, pitch*3)

	require.NoError(t, Fill(buf, desc, pitch, ForFrame(2)))
	require.NoError(t, Verify(buf, desc, pitch, ForFrame(2)))

	assert.Equal(t, byte(0xee), buf[20], "row padding untouched")
	assert.ErrorIs(t, Verify(buf, desc, pitch, ForFrame(3)), ErrMismatch)

	buf[pitch*2+5] ^= 0xff
	err := Verify(buf, desc, pitch, ForFrame(2))
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Contains(t, err.Error(), "pixel (1, 2)")
}

func TestFillRejectsShortBuffer(t *testing.T) {
	assert.Error(t, Fill(make([]byte, 50), desc, 20, ForFrame(0)))
	assert.Error(t, Fill(make([]byte, 100), desc, 16, ForFrame(0)), "pitch below row size")
	assert.ErrorIs(t, Fill(nil, extmem.ResourceDesc{}, 0, ForFrame(0)), extmem.ErrInvalidExtent)
}

func TestWritePNG(t *testing.T) {
	buf := make([]byte, desc.PixelBytes())
	require.NoError(t, Fill(buf, desc, desc.RowBytes(), ForFrame(0)))

	var out bytes.Buffer
	require.NoError(t, WritePNG(&out, buf, desc, desc.RowBytes()))

	img, err := png.Decode(&out)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, color.NRGBAModel.Convert(img.At(0, 1)))
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, color.NRGBAModel.Convert(img.At(4, 2)))
}
