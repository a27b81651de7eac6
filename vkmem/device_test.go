package vkmem

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"

	"vulkan-external-memory/extmem"
)

func TestMemoryProperty(t *testing.T) {
	flags := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	assert.Equal(t, extmem.HostShared, memoryProperty(flags))

	flags = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit | vk.MemoryPropertyHostCachedBit)
	assert.Equal(t, extmem.MemoryDeviceLocal|extmem.MemoryHostCached, memoryProperty(flags))
}

func TestFormatAndHandleTypes(t *testing.T) {
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, vkFormat(extmem.FormatB8G8R8A8Unorm))
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, vkFormat(extmem.FormatR8G8B8A8Unorm))

	assert.Equal(t,
		vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		externalHandleTypes(extmem.HandleTypeOpaqueFD))
	assert.Zero(t, externalHandleTypes(extmem.HandleTypeNone))
}

func TestResourceOf(t *testing.T) {
	buf := &resource{desc: extmem.ResourceDesc{Kind: extmem.ResourceBuffer}}

	got, err := resourceOf(buf, extmem.ResourceBuffer)
	require.NoError(t, err)
	assert.Same(t, buf, got)

	_, err = resourceOf(buf, extmem.ResourceImage)
	assert.ErrorIs(t, err, extmem.ErrUnsupportedKind)
}

func TestAllocateInfoImportChain(t *testing.T) {
	allocInfo, free, err := allocateInfo(extmem.AllocateInfo{
		Size:            4096,
		MemoryTypeIndex: 1,
		Import:          &extmem.ImportInfo{HandleType: extmem.HandleTypeOpaqueFD, FD: 7},
	})
	require.NoError(t, err)
	defer free()

	assert.Equal(t, vk.DeviceSize(4096), allocInfo.AllocationSize)
	assert.Equal(t, uint32(1), allocInfo.MemoryTypeIndex)
	require.NotNil(t, allocInfo.PNext)

	chained := vk.NewImportMemoryFdInfoRef(allocInfo.PNext)
	chained.Deref()
	assert.Equal(t, vk.StructureTypeImportMemoryFdInfo, chained.SType)
	assert.Equal(t, vk.ExternalMemoryHandleTypeOpaqueFdBit, chained.HandleType)
	assert.Equal(t, int32(7), chained.Fd)
	assert.Nil(t, chained.PNext)
}

func TestAllocateInfoExportChain(t *testing.T) {
	allocInfo, free, err := allocateInfo(extmem.AllocateInfo{
		Size:   8192,
		Export: extmem.HandleTypeOpaqueFD,
	})
	require.NoError(t, err)
	defer free()

	require.NotNil(t, allocInfo.PNext)

	chained := vk.NewExportMemoryAllocateInfoRef(allocInfo.PNext)
	chained.Deref()
	assert.Equal(t, vk.StructureTypeExportMemoryAllocateInfo, chained.SType)
	assert.Equal(t,
		vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		chained.HandleTypes)
}

func TestAllocateInfoPlain(t *testing.T) {
	allocInfo, free, err := allocateInfo(extmem.AllocateInfo{Size: 256})
	require.NoError(t, err)
	defer free()

	assert.Nil(t, allocInfo.PNext)

	_, _, err = allocateInfo(extmem.AllocateInfo{
		Size:   256,
		Import: &extmem.ImportInfo{HandleType: extmem.HandleTypeNone, FD: 3},
	})
	assert.Error(t, err)
}

func TestCreateInfoExternalChain(t *testing.T) {
	desc := extmem.ResourceDesc{
		Kind:     extmem.ResourceBuffer,
		Width:    16,
		Height:   4,
		Format:   extmem.FormatB8G8R8A8Unorm,
		Usage:    extmem.UsageTransferDst,
		External: extmem.HandleTypeOpaqueFD,
	}

	bufferInfo, freeBuffer := bufferCreateInfo(desc)
	defer freeBuffer()

	assert.Equal(t, vk.DeviceSize(16*4*4), bufferInfo.Size)
	require.NotNil(t, bufferInfo.PNext)
	buffer := vk.NewExternalMemoryBufferCreateInfoRef(bufferInfo.PNext)
	buffer.Deref()
	assert.Equal(t, vk.StructureTypeExternalMemoryBufferCreateInfo, buffer.SType)
	assert.Equal(t,
		vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		buffer.HandleTypes)

	desc.Kind = extmem.ResourceImage
	imageInfo, freeImage := imageCreateInfo(desc)
	defer freeImage()

	assert.Equal(t, vk.ImageTilingLinear, imageInfo.Tiling)
	require.NotNil(t, imageInfo.PNext)
	image := vk.NewExternalMemoryImageCreateInfoRef(imageInfo.PNext)
	image.Deref()
	assert.Equal(t, vk.StructureTypeExternalMemoryImageCreateInfo, image.SType)
	assert.Equal(t,
		vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		image.HandleTypes)

	desc.External = extmem.HandleTypeNone
	local, freeLocal := imageCreateInfo(desc)
	defer freeLocal()
	assert.Nil(t, local.PNext)
}

func TestMemoryGetFdInfo(t *testing.T) {
	info, free := memoryGetFdInfo(vk.NullDeviceMemory)
	defer free()

	require.NotNil(t, info)
	chained := vk.NewMemoryGetFdInfoRef(info)
	chained.Deref()
	assert.Equal(t, vk.StructureTypeMemoryGetFdInfo, chained.SType)
	assert.Equal(t, vk.ExternalMemoryHandleTypeOpaqueFdBit, chained.HandleType)
}

func TestExportWithoutEntryPoint(t *testing.T) {
	d := &Device{}

	_, err := d.ExportMemory(&memory{exportable: true}, extmem.HandleTypeOpaqueFD)
	assert.ErrorIs(t, err, extmem.ErrNotExportable)

	_, err = d.ExportMemory(&memory{}, extmem.HandleTypeOpaqueFD)
	assert.ErrorIs(t, err, extmem.ErrNotExportable)
}

func TestDefaultLoader(t *testing.T) {
	loaderErr := errors.New("vulkan: error loading default getProcAddr")

	_, err := defaultLoader(
		func() error { return loaderErr },
		func() unsafe.Pointer { t.Fatal("lookup after failed load"); return nil },
	)
	assert.ErrorIs(t, err, loaderErr)

	_, err = defaultLoader(
		func() error { return nil },
		func() unsafe.Pointer { return nil },
	)
	assert.Error(t, err)

	var sentinel byte
	gipa, err := defaultLoader(
		func() error { return nil },
		func() unsafe.Pointer { return unsafe.Pointer(&sentinel) },
	)
	require.NoError(t, err)
	assert.Equal(t, unsafe.Pointer(&sentinel), gipa)
}
