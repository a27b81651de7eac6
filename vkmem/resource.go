package vkmem

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"vulkan-external-memory/extmem"
)

var ErrForeignObject = errors.New("vkmem: object not created by this device")

type resource struct {
	desc   extmem.ResourceDesc
	buffer vk.Buffer
	image  vk.Image
	layout vk.ImageLayout
	bound  bool
}

func (r *resource) Desc() extmem.ResourceDesc {
	return r.desc
}

func vkFormat(f extmem.Format) vk.Format {
	if f == extmem.FormatR8G8B8A8Unorm {
		return vk.FormatR8g8b8a8Unorm
	}
	return vk.FormatB8g8r8a8Unorm
}

func externalHandleTypes(ht extmem.HandleType) vk.ExternalMemoryHandleTypeFlags {
	if ht == extmem.HandleTypeOpaqueFD {
		return vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit)
	}
	return 0
}

// CreateResource implements extmem.Device. Images are created with linear
// tiling so both processes agree on their layout.
func (d *Device) CreateResource(desc extmem.ResourceDesc) (extmem.Resource, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	switch desc.Kind {
	case extmem.ResourceBuffer:
		return d.createBuffer(desc)
	case extmem.ResourceImage:
		return d.createImage(desc)
	default:
		return nil, fmt.Errorf("%w: %s", extmem.ErrUnsupportedKind, desc.Kind)
	}
}

// bufferCreateInfo builds the create info for a buffer described by desc.
// Exportable or importable buffers carry a VkExternalMemoryBufferCreateInfo
// in PNext. free releases it and must be called once vkCreateBuffer returned.
func bufferCreateInfo(desc extmem.ResourceDesc) (vk.BufferCreateInfo, func()) {
	var usage vk.BufferUsageFlags
	if desc.Usage&extmem.UsageTransferSrc != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
	}
	if desc.Usage&extmem.UsageTransferDst != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	}

	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.PixelBytes()),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	handleTypes := externalHandleTypes(desc.External)
	if handleTypes == 0 {
		return info, func() {}
	}

	external := &vk.ExternalMemoryBufferCreateInfo{
		SType:       vk.StructureTypeExternalMemoryBufferCreateInfo,
		HandleTypes: handleTypes,
	}
	ref, _ := external.PassRef()
	info.PNext = unsafe.Pointer(ref)

	return info, external.Free
}

// imageCreateInfo is bufferCreateInfo for linear images.
func imageCreateInfo(desc extmem.ResourceDesc) (vk.ImageCreateInfo, func()) {
	var usage vk.ImageUsageFlags
	if desc.Usage&extmem.UsageTransferSrc != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	}
	if desc.Usage&extmem.UsageTransferDst != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}

	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        vkFormat(desc.Format),
		Tiling:        vk.ImageTilingLinear,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}

	handleTypes := externalHandleTypes(desc.External)
	if handleTypes == 0 {
		return info, func() {}
	}

	external := &vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		HandleTypes: handleTypes,
	}
	ref, _ := external.PassRef()
	info.PNext = unsafe.Pointer(ref)

	return info, external.Free
}

func (d *Device) createBuffer(desc extmem.ResourceDesc) (*resource, error) {
	bufferInfo, free := bufferCreateInfo(desc)
	defer free()

	var buffer vk.Buffer
	res := vk.CreateBuffer(d.device, &bufferInfo, nil, &buffer)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to create buffer: %w", vk.Error(res))
	}

	return &resource{desc: desc, buffer: buffer}, nil
}

func (d *Device) createImage(desc extmem.ResourceDesc) (*resource, error) {
	imageInfo, free := imageCreateInfo(desc)
	defer free()

	var image vk.Image
	res := vk.CreateImage(d.device, &imageInfo, nil, &image)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to create an image: %w", vk.Error(res))
	}

	return &resource{desc: desc, image: image, layout: vk.ImageLayoutUndefined}, nil
}

// MemoryRequirements implements extmem.Device.
func (d *Device) MemoryRequirements(r extmem.Resource) extmem.Requirements {
	res, ok := r.(*resource)
	if !ok {
		return extmem.Requirements{}
	}

	var memRequirements vk.MemoryRequirements
	if res.desc.Kind == extmem.ResourceImage {
		vk.GetImageMemoryRequirements(d.device, res.image, &memRequirements)
	} else {
		vk.GetBufferMemoryRequirements(d.device, res.buffer, &memRequirements)
	}
	memRequirements.Deref()

	return extmem.Requirements{
		Size:           uint64(memRequirements.Size),
		Alignment:      uint64(memRequirements.Alignment),
		MemoryTypeBits: memRequirements.MemoryTypeBits,
	}
}

// RowPitch implements extmem.Device.
func (d *Device) RowPitch(r extmem.Resource) uint64 {
	res, ok := r.(*resource)
	if !ok {
		return 0
	}

	if res.desc.Kind != extmem.ResourceImage {
		return res.desc.RowBytes()
	}

	subresource := vk.ImageSubresource{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}

	var layout vk.SubresourceLayout
	vk.GetImageSubresourceLayout(d.device, res.image, &subresource, &layout)
	layout.Deref()

	return uint64(layout.RowPitch)
}

// BindMemory implements extmem.Device.
func (d *Device) BindMemory(r extmem.Resource, m extmem.Memory, offset uint64) error {
	res, ok := r.(*resource)
	if !ok {
		return ErrForeignObject
	}
	mem, ok := m.(*memory)
	if !ok {
		return ErrForeignObject
	}

	if res.bound {
		return extmem.ErrAlreadyBound
	}

	req := d.MemoryRequirements(res)
	if req.Alignment > 0 && offset%req.Alignment != 0 {
		return fmt.Errorf("%w: %d not a multiple of %d", extmem.ErrMisalignedOffset, offset, req.Alignment)
	}
	if offset+req.Size > mem.size {
		return fmt.Errorf("%w: [%d, %d) in %d bytes", extmem.ErrBindOutOfRange, offset, offset+req.Size, mem.size)
	}

	var result vk.Result
	if res.desc.Kind == extmem.ResourceImage {
		result = vk.BindImageMemory(d.device, res.image, mem.memory, vk.DeviceSize(offset))
	} else {
		result = vk.BindBufferMemory(d.device, res.buffer, mem.memory, vk.DeviceSize(offset))
	}
	if result != vk.Success {
		return fmt.Errorf("failed to bind %s memory: %w", res.desc.Kind, vk.Error(result))
	}

	res.bound = true
	return nil
}

// DestroyResource implements extmem.Device.
func (d *Device) DestroyResource(r extmem.Resource) error {
	res, ok := r.(*resource)
	if !ok {
		return ErrForeignObject
	}

	if res.desc.Kind == extmem.ResourceImage {
		vk.DestroyImage(d.device, res.image, nil)
		res.image = vk.NullImage
	} else {
		vk.DestroyBuffer(d.device, res.buffer, nil)
		res.buffer = vk.NullBuffer
	}

	return nil
}
