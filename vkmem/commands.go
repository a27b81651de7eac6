package vkmem

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"
	"github.com/xlab/linmath"

	"vulkan-external-memory/extmem"
	"vulkan-external-memory/unsafer"
)

func resourceOf(r extmem.Resource, kind extmem.ResourceKind) (*resource, error) {
	res, ok := r.(*resource)
	if !ok {
		return nil, ErrForeignObject
	}
	if res.desc.Kind != kind {
		return nil, fmt.Errorf("%w: want %s, got %s", extmem.ErrUnsupportedKind, kind, res.desc.Kind)
	}
	return res, nil
}

func (d *Device) beginSingleTimeCommands(familyIndex uint32) (vk.CommandBuffer, error) {
	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		Level:              vk.CommandBufferLevelPrimary,
		CommandPool:        d.commandPools[familyIndex],
		CommandBufferCount: 1,
	}

	commandBuffers := make([]vk.CommandBuffer, 1)
	res := vk.AllocateCommandBuffers(
		d.device,
		&allocInfo,
		commandBuffers,
	)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to allocate command buffer: %w", vk.Error(res))
	}
	commandBuffer := commandBuffers[0]

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}

	vk.BeginCommandBuffer(commandBuffer, &beginInfo)

	return commandBuffer, nil
}

func (d *Device) endSingleTimeCommands(familyIndex uint32, commandBuffer vk.CommandBuffer) error {
	commandBuffers := []vk.CommandBuffer{commandBuffer}

	defer func() {
		vk.FreeCommandBuffers(d.device, d.commandPools[familyIndex], 1, commandBuffers)
	}()

	res := vk.EndCommandBuffer(commandBuffer)
	if res != vk.Success {
		return fmt.Errorf("failed end command buffer: %w", vk.Error(res))
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    commandBuffers,
	}

	queue := d.queues[familyIndex]
	res = vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence)
	if res != vk.Success {
		return fmt.Errorf("failed to submit to queue: %w", vk.Error(res))
	}

	res = vk.QueueWaitIdle(queue)
	if res != vk.Success {
		return fmt.Errorf("failed to wait on queue idle: %w", vk.Error(res))
	}

	return nil
}

// hostReadBarrier makes transfer writes visible to host reads of the
// memory, in this process or the one the memory is shared with.
func hostReadBarrier(commandBuffer vk.CommandBuffer) {
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessHostReadBit),
	}

	vk.CmdPipelineBarrier(
		commandBuffer,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageHostBit),
		0,
		1, []vk.MemoryBarrier{barrier},
		0, nil,
		0, nil,
	)
}

// FillBuffer fills a buffer resource with a repeated 32 bit value on the
// transfer queue.
func (d *Device) FillBuffer(r extmem.Resource, value uint32) error {
	res, err := resourceOf(r, extmem.ResourceBuffer)
	if err != nil {
		return err
	}

	familyIndex := d.indices.Transfer.Get()
	commandBuffer, err := d.beginSingleTimeCommands(familyIndex)
	if err != nil {
		return fmt.Errorf("failed to begin single time commands: %w", err)
	}

	vk.CmdFillBuffer(commandBuffer, res.buffer, 0, vk.DeviceSize(vk.WholeSize), value)
	hostReadBarrier(commandBuffer)

	return d.endSingleTimeCommands(familyIndex, commandBuffer)
}

// ClearImage clears an image resource to color on the graphics queue and
// leaves it in the general layout.
func (d *Device) ClearImage(r extmem.Resource, color linmath.Vec4) error {
	res, err := resourceOf(r, extmem.ResourceImage)
	if err != nil {
		return err
	}

	familyIndex := d.indices.Graphics.Get()
	commandBuffer, err := d.beginSingleTimeCommands(familyIndex)
	if err != nil {
		return fmt.Errorf("failed to begin single time commands: %w", err)
	}

	colorRange := vk.ImageSubresourceRange{
		AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	toTransfer := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           res.layout,
		NewLayout:           vk.ImageLayoutTransferDstOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               res.image,
		SubresourceRange:    colorRange,
		SrcAccessMask:       vk.AccessFlags(vk.AccessHostWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
	}

	vk.CmdPipelineBarrier(
		commandBuffer,
		vk.PipelineStageFlags(vk.PipelineStageHostBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{toTransfer},
	)

	var clearColor vk.ClearColorValue
	copy(clearColor[:], unsafer.SliceToBytes(color[:]))

	vk.CmdClearColorImage(
		commandBuffer,
		res.image,
		vk.ImageLayoutTransferDstOptimal,
		&clearColor,
		1,
		[]vk.ImageSubresourceRange{colorRange},
	)

	toGeneral := toTransfer
	toGeneral.OldLayout = vk.ImageLayoutTransferDstOptimal
	toGeneral.NewLayout = vk.ImageLayoutGeneral
	toGeneral.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
	toGeneral.DstAccessMask = vk.AccessFlags(vk.AccessHostReadBit)

	vk.CmdPipelineBarrier(
		commandBuffer,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageHostBit),
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{toGeneral},
	)

	if err := d.endSingleTimeCommands(familyIndex, commandBuffer); err != nil {
		return err
	}

	res.layout = vk.ImageLayoutGeneral
	return nil
}
