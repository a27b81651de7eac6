//go:build linux

package vkmem

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*vkmem_void_fn)(void);
typedef vkmem_void_fn (*vkmem_get_instance_proc_addr)(void *instance, const char *name);
typedef vkmem_void_fn (*vkmem_get_device_proc_addr)(void *device, const char *name);
typedef int32_t (*vkmem_get_memory_fd)(void *device, const void *info, int *fd);

static void *vkmem_default_get_instance_proc_addr(void) {
	void *lib = dlopen("libvulkan.so.1", RTLD_NOW | RTLD_LOCAL);
	if (lib == NULL) {
		lib = dlopen("libvulkan.so", RTLD_NOW | RTLD_LOCAL);
	}
	if (lib == NULL) {
		return NULL;
	}
	return dlsym(lib, "vkGetInstanceProcAddr");
}

static void *vkmem_device_proc_addr(void *gipa, void *instance, void *device, const char *name) {
	vkmem_get_device_proc_addr gdpa = (vkmem_get_device_proc_addr)
		((vkmem_get_instance_proc_addr)gipa)(instance, "vkGetDeviceProcAddr");
	if (gdpa == NULL) {
		return NULL;
	}
	return (void *)gdpa(device, name);
}

static int32_t vkmem_get_memory_fd_call(void *fn, void *device, const void *info, int *fd) {
	return ((vkmem_get_memory_fd)fn)(device, info, fd);
}
*/
import "C"

import (
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// defaultGetInstanceProcAddr returns vkGetInstanceProcAddr from the system
// loader, the same library vk.SetDefaultGetInstanceProcAddr opens.
func defaultGetInstanceProcAddr() unsafe.Pointer {
	return C.vkmem_default_get_instance_proc_addr()
}

func deviceProcAddr(gipa unsafe.Pointer, instance vk.Instance, device vk.Device, name string) unsafe.Pointer {
	if gipa == nil || device == vk.Device(vk.NullHandle) {
		return nil
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	return C.vkmem_device_proc_addr(gipa, unsafe.Pointer(instance), unsafe.Pointer(device), cname)
}

// callGetMemoryFd calls vkGetMemoryFdKHR through fn. info must point to C
// memory holding a VkMemoryGetFdInfoKHR.
func callGetMemoryFd(fn unsafe.Pointer, device vk.Device, info unsafe.Pointer) (int, vk.Result) {
	var fd C.int = -1
	res := C.vkmem_get_memory_fd_call(fn, unsafe.Pointer(device), info, &fd)
	return int(fd), vk.Result(res)
}
