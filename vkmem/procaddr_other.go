//go:build !linux

package vkmem

import (
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

func defaultGetInstanceProcAddr() unsafe.Pointer {
	return nil
}

func deviceProcAddr(gipa unsafe.Pointer, instance vk.Instance, device vk.Device, name string) unsafe.Pointer {
	return nil
}

func callGetMemoryFd(fn unsafe.Pointer, device vk.Device, info unsafe.Pointer) (int, vk.Result) {
	return -1, vk.ErrorExtensionNotPresent
}
