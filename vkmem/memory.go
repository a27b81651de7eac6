package vkmem

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"vulkan-external-memory/extmem"
	"vulkan-external-memory/unsafer"
)

type memory struct {
	memory     vk.DeviceMemory
	size       uint64
	exportable bool
}

func (m *memory) Size() uint64 {
	return m.size
}

// allocateInfo builds the VkMemoryAllocateInfo for info. Export and import
// requests are chained onto it as VkExportMemoryAllocateInfo and
// VkImportMemoryFdInfoKHR. free releases the chained struct and must be
// called once vkAllocateMemory returned.
func allocateInfo(info extmem.AllocateInfo) (vk.MemoryAllocateInfo, func(), error) {
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(info.Size),
		MemoryTypeIndex: info.MemoryTypeIndex,
	}

	switch {
	case info.Import != nil:
		if info.Import.HandleType != extmem.HandleTypeOpaqueFD {
			return allocInfo, nil, fmt.Errorf("vkmem: unsupported handle type %#x", info.Import.HandleType)
		}
		importInfo := &vk.ImportMemoryFdInfo{
			SType:      vk.StructureTypeImportMemoryFdInfo,
			HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
			Fd:         int32(info.Import.FD),
		}
		ref, _ := importInfo.PassRef()
		allocInfo.PNext = unsafe.Pointer(ref)
		return allocInfo, importInfo.Free, nil

	case info.Export != extmem.HandleTypeNone:
		exportInfo := &vk.ExportMemoryAllocateInfo{
			SType:       vk.StructureTypeExportMemoryAllocateInfo,
			HandleTypes: externalHandleTypes(info.Export),
		}
		ref, _ := exportInfo.PassRef()
		allocInfo.PNext = unsafe.Pointer(ref)
		return allocInfo, exportInfo.Free, nil
	}

	return allocInfo, func() {}, nil
}

// AllocateMemory implements extmem.Device. On a successful import the driver
// owns the descriptor.
func (d *Device) AllocateMemory(info extmem.AllocateInfo) (extmem.Memory, error) {
	if int(info.MemoryTypeIndex) >= len(d.memoryTypes) {
		return nil, fmt.Errorf("%w: index %d", extmem.ErrNoMemoryType, info.MemoryTypeIndex)
	}

	allocInfo, free, err := allocateInfo(info)
	if err != nil {
		return nil, err
	}
	defer free()

	var deviceMemory vk.DeviceMemory
	res := vk.AllocateMemory(d.device, &allocInfo, nil, &deviceMemory)
	if res != vk.Success {
		if info.Import != nil && res == vk.ErrorInvalidExternalHandle {
			return nil, fmt.Errorf("%w: %w", extmem.ErrSizeMismatch, vk.Error(res))
		}
		return nil, fmt.Errorf("failed to allocate memory: %w", vk.Error(res))
	}

	return &memory{
		memory:     deviceMemory,
		size:       info.Size,
		exportable: info.Export == extmem.HandleTypeOpaqueFD,
	}, nil
}

// memoryGetFdInfo builds the VkMemoryGetFdInfoKHR for exporting m as an
// opaque descriptor. free releases it.
func memoryGetFdInfo(m vk.DeviceMemory) (unsafe.Pointer, func()) {
	getFdInfo := &vk.MemoryGetFdInfo{
		SType:      vk.StructureTypeMemoryGetFdInfo,
		Memory:     m,
		HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
	}
	ref, _ := getFdInfo.PassRef()
	return unsafe.Pointer(ref), getFdInfo.Free
}

// ExportMemory implements extmem.Device with vkGetMemoryFdKHR.
func (d *Device) ExportMemory(m extmem.Memory, handleType extmem.HandleType) (int, error) {
	mem, ok := m.(*memory)
	if !ok {
		return -1, ErrForeignObject
	}
	if handleType != extmem.HandleTypeOpaqueFD || !mem.exportable {
		return -1, extmem.ErrNotExportable
	}
	if d.getMemoryFd == nil {
		return -1, fmt.Errorf("%w: vkGetMemoryFdKHR not loaded", extmem.ErrNotExportable)
	}

	info, free := memoryGetFdInfo(mem.memory)
	defer free()

	fd, res := callGetMemoryFd(d.getMemoryFd, d.device, info)
	if err := vk.Error(res); err != nil {
		return -1, fmt.Errorf("failed to get memory fd: %w", err)
	}

	return fd, nil
}

// Map implements extmem.Device.
func (d *Device) Map(m extmem.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := m.(*memory)
	if !ok {
		return nil, ErrForeignObject
	}

	var data unsafe.Pointer
	res := vk.MapMemory(d.device, mem.memory, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to map memory: %w", vk.Error(res))
	}

	return unsafer.PointerToBytes(data, int(size)), nil
}

// Unmap implements extmem.Device.
func (d *Device) Unmap(m extmem.Memory) {
	if mem, ok := m.(*memory); ok {
		vk.UnmapMemory(d.device, mem.memory)
	}
}

// FreeMemory implements extmem.Device.
func (d *Device) FreeMemory(m extmem.Memory) error {
	mem, ok := m.(*memory)
	if !ok {
		return ErrForeignObject
	}

	vk.FreeMemory(d.device, mem.memory, nil)
	mem.memory = vk.NullDeviceMemory

	return nil
}
