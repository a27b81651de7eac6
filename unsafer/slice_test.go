package unsafer

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestSliceToBytes(t *testing.T) {
	pixels := []uint32{0x04030201, 0x08070605}

	b := SliceToBytes(pixels)
	assert.Len(t, b, 8)
	assert.Equal(t, pixels[1], binary.NativeEndian.Uint32(b[4:]))

	b[0] = 0xff
	assert.Equal(t, uint32(0xff), pixels[0]&0xff, "no copy is made")

	assert.Nil(t, SliceToBytes([]uint32{}))
}

func TestPointerToBytes(t *testing.T) {
	backing := [4]byte{1, 2, 3, 4}

	b := PointerToBytes(unsafe.Pointer(&backing[0]), len(backing))
	assert.Equal(t, []byte{1, 2, 3, 4}, b)

	assert.Nil(t, PointerToBytes(nil, 4))
}
