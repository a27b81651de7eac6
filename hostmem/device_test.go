//go:build linux

package hostmem

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"vulkan-external-memory/extmem"
)

func newDevice(t *testing.T) *Device {
	t.Helper()

	d := New(nil)
	t.Cleanup(func() { d.Close() })

	return d
}

func TestImageRowsArePadded(t *testing.T) {
	d := newDevice(t)

	img, err := d.CreateResource(extmem.ResourceDesc{Kind: extmem.ResourceImage, Width: 10, Height: 3})
	require.NoError(t, err)
	buf, err := d.CreateResource(extmem.ResourceDesc{Kind: extmem.ResourceBuffer, Width: 10, Height: 3})
	require.NoError(t, err)

	assert.EqualValues(t, RowAlignment, d.RowPitch(img))
	assert.EqualValues(t, 40, d.RowPitch(buf))
	assert.EqualValues(t, 3*RowAlignment, d.MemoryRequirements(img).Size)
	assert.EqualValues(t, 120, d.MemoryRequirements(buf).Size)
	assert.EqualValues(t, 0b11, d.MemoryRequirements(img).MemoryTypeBits)
}

func TestCreateResourceRejectsEmptyExtent(t *testing.T) {
	d := newDevice(t)

	_, err := d.CreateResource(extmem.ResourceDesc{Kind: extmem.ResourceImage, Width: 0, Height: 3})
	assert.ErrorIs(t, err, extmem.ErrInvalidExtent)
}

func TestExportAndImportShareMemory(t *testing.T) {
	d := newDevice(t)

	mem, err := d.AllocateMemory(extmem.AllocateInfo{Size: 4096, MemoryTypeIndex: 1, Export: extmem.HandleTypeOpaqueFD})
	require.NoError(t, err)

	data, err := d.Map(mem, 0, 4096)
	require.NoError(t, err)
	copy(data, "shared")

	fd, err := d.ExportMemory(mem, extmem.HandleTypeOpaqueFD)
	require.NoError(t, err)

	imported, err := d.AllocateMemory(extmem.AllocateInfo{
		Size:            4096,
		MemoryTypeIndex: 1,
		Import:          &extmem.ImportInfo{HandleType: extmem.HandleTypeOpaqueFD, FD: fd},
	})
	require.NoError(t, err)

	view, err := d.Map(imported, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(view))

	copy(view, "SHARED")
	assert.Equal(t, "SHARED", string(data[:6]))

	require.NoError(t, d.FreeMemory(imported))
	require.NoError(t, d.FreeMemory(mem))
}

func TestExportRequiresExportableMemory(t *testing.T) {
	d := newDevice(t)

	mem, err := d.AllocateMemory(extmem.AllocateInfo{Size: 256, MemoryTypeIndex: 1})
	require.NoError(t, err)
	defer d.FreeMemory(mem)

	fd, err := d.ExportMemory(mem, extmem.HandleTypeOpaqueFD)
	assert.ErrorIs(t, err, extmem.ErrNotExportable)
	assert.Equal(t, -1, fd)
}

func TestImportLargerThanDescriptorFails(t *testing.T) {
	d := newDevice(t)

	mem, err := d.AllocateMemory(extmem.AllocateInfo{Size: 256, MemoryTypeIndex: 1, Export: extmem.HandleTypeOpaqueFD})
	require.NoError(t, err)
	defer d.FreeMemory(mem)

	fd, err := d.ExportMemory(mem, extmem.HandleTypeOpaqueFD)
	require.NoError(t, err)
	defer unix.Close(fd)

	_, err = d.AllocateMemory(extmem.AllocateInfo{
		Size:            512,
		MemoryTypeIndex: 1,
		Import:          &extmem.ImportInfo{HandleType: extmem.HandleTypeOpaqueFD, FD: fd},
	})
	assert.ErrorIs(t, err, extmem.ErrSizeMismatch)
}

func TestBindRules(t *testing.T) {
	d := newDevice(t)

	r, err := d.CreateResource(extmem.ResourceDesc{Kind: extmem.ResourceBuffer, Width: 16, Height: 16})
	require.NoError(t, err)
	mem, err := d.AllocateMemory(extmem.AllocateInfo{Size: 2048, MemoryTypeIndex: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, d.BindMemory(r, mem, 100), extmem.ErrMisalignedOffset)
	assert.ErrorIs(t, d.BindMemory(r, mem, 1792), extmem.ErrBindOutOfRange)

	require.NoError(t, d.BindMemory(r, mem, 1024))
	assert.ErrorIs(t, d.BindMemory(r, mem, 0), extmem.ErrAlreadyBound)

	assert.ErrorIs(t, d.FreeMemory(mem), extmem.ErrMemoryInUse)

	contents, err := d.Contents(r)
	require.NoError(t, err)
	assert.Len(t, contents, 1024)

	require.NoError(t, d.DestroyResource(r))
	assert.ErrorIs(t, d.DestroyResource(r), ErrDestroyed)
	require.NoError(t, d.FreeMemory(mem))
	assert.ErrorIs(t, d.FreeMemory(mem), ErrFreed)
}

func TestDeviceLocalMemoryIsNotMappable(t *testing.T) {
	d := newDevice(t)

	mem, err := d.AllocateMemory(extmem.AllocateInfo{Size: 256, MemoryTypeIndex: 0})
	require.NoError(t, err)
	defer d.FreeMemory(mem)

	_, err = d.Map(mem, 0, 256)
	assert.ErrorIs(t, err, ErrNotMappable)
}

func TestWaitIdleDrainsSubmittedWork(t *testing.T) {
	d := newDevice(t)

	var ran atomic.Int32
	release := make(chan struct{})

	require.NoError(t, d.Submit(func() { <-release; ran.Add(1) }))
	require.NoError(t, d.Submit(func() { ran.Add(1) }))
	assert.EqualValues(t, 0, ran.Load())

	close(release)
	require.NoError(t, d.WaitIdle())
	assert.EqualValues(t, 2, ran.Load())

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Submit(func() {}), ErrClosed)
}
