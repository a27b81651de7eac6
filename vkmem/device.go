// Package vkmem implements extmem.Device with Vulkan through vulkan-go. The
// device enables VK_KHR_external_memory_fd so allocations can be exported to
// and imported from opaque file descriptors.
//
// A Device is not safe for concurrent use. On Linux, create and use it from
// the main thread when the GLFW loader is used.
package vkmem

import (
	"fmt"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"vulkan-external-memory/extmem"
	"vulkan-external-memory/queues"
)

var _ extmem.Device = (*Device)(nil)

// Config controls device creation.
type Config struct {
	// AppName is reported to the driver.
	AppName string
	// Debug enables the Khronos validation layer.
	Debug bool
	Logger *zap.Logger
}

// Device is a Vulkan logical device able to share memory through opaque
// file descriptors.
type Device struct {
	log *zap.Logger

	validationLayers   []string
	instanceExtensions []string
	deviceExtensions   []string

	glfwInitialized bool

	// getInstanceProcAddr is the loader entry point vulkan-go was set up
	// with. vulkan-go has no binding for vkGetMemoryFdKHR, so it is resolved
	// through this pointer into getMemoryFd.
	getInstanceProcAddr unsafe.Pointer
	getMemoryFd         unsafe.Pointer

	instance vk.Instance

	// physicalDevice is the physical device selected for this program.
	physicalDevice vk.PhysicalDevice

	// device is the logical device created for interfacing with the physical device.
	device vk.Device

	indices      queues.FamilyIndices
	queues       map[uint32]vk.Queue
	commandPools map[uint32]vk.CommandPool

	memoryTypes []extmem.MemoryProperty
}

// New initializes Vulkan and creates a logical device on the most suitable
// GPU with external memory support.
func New(cfg Config) (*Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AppName == "" {
		cfg.AppName = "external memory"
	}

	d := &Device{
		log: cfg.Logger,
		instanceExtensions: []string{
			vk.KhrGetPhysicalDeviceProperties2ExtensionName + "\x00",
			vk.KhrExternalMemoryCapabilitiesExtensionName + "\x00",
		},
		deviceExtensions: []string{
			vk.KhrExternalMemoryExtensionName + "\x00",
			vk.KhrExternalMemoryFdExtensionName + "\x00",
		},
		physicalDevice: vk.PhysicalDevice(vk.NullHandle),
		device:         vk.Device(vk.NullHandle),
		queues:         make(map[uint32]vk.Queue),
		commandPools:   make(map[uint32]vk.CommandPool),
	}
	if cfg.Debug {
		d.validationLayers = []string{"VK_LAYER_KHRONOS_validation\x00"}
	}

	if err := d.init(cfg.AppName); err != nil {
		d.Destroy()
		return nil, err
	}

	return d, nil
}

func (d *Device) init(appName string) error {
	if err := d.initLoader(); err != nil {
		return fmt.Errorf("initLoader: %w", err)
	}

	if err := d.createInstance(appName); err != nil {
		return fmt.Errorf("createInstance: %w", err)
	}

	if err := d.pickPhysicalDevice(); err != nil {
		return fmt.Errorf("pickPhysicalDevice: %w", err)
	}

	if err := d.createLogicalDevice(); err != nil {
		return fmt.Errorf("createLogicalDevice: %w", err)
	}

	if err := d.loadDeviceFunctions(); err != nil {
		return fmt.Errorf("loadDeviceFunctions: %w", err)
	}

	if err := d.createCommandPools(); err != nil {
		return fmt.Errorf("createCommandPools: %w", err)
	}

	d.loadMemoryTypes()

	return nil
}

// initLoader finds vkGetInstanceProcAddr through GLFW, falling back to the
// system loader when GLFW cannot start, as on machines without a display.
func (d *Device) initLoader() error {
	if err := glfw.Init(); err != nil {
		d.log.Debug("glfw unavailable, using the default Vulkan loader", zap.Error(err))
		gipa, err := defaultLoader(vk.SetDefaultGetInstanceProcAddr, defaultGetInstanceProcAddr)
		if err != nil {
			return err
		}
		d.getInstanceProcAddr = gipa
	} else {
		d.glfwInitialized = true
		if !glfw.VulkanSupported() {
			return fmt.Errorf("glfw: Vulkan loader not found")
		}
		d.getInstanceProcAddr = glfw.GetVulkanGetInstanceProcAddress()
		vk.SetGetInstanceProcAddr(d.getInstanceProcAddr)
	}

	if err := vk.Init(); err != nil {
		return fmt.Errorf("failed to init Vulkan Go: %w", err)
	}

	return nil
}

// defaultLoader points vulkan-go at the system loader with set and returns
// the vkGetInstanceProcAddr found by lookup.
func defaultLoader(set func() error, lookup func() unsafe.Pointer) (unsafe.Pointer, error) {
	if err := set(); err != nil {
		return nil, fmt.Errorf("default loader: %w", err)
	}

	gipa := lookup()
	if gipa == nil {
		return nil, fmt.Errorf("default loader: vkGetInstanceProcAddr not found")
	}

	return gipa, nil
}

func (d *Device) createInstance(appName string) error {
	if len(d.validationLayers) > 0 && !d.checkValidationSupport() {
		return fmt.Errorf("validation layers requested but not available")
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   appName + "\x00",
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        "No Engine\x00",
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.ApiVersion10,
	}

	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(d.instanceExtensions)),
		PpEnabledExtensionNames: d.instanceExtensions,
		EnabledLayerCount:       uint32(len(d.validationLayers)),
		PpEnabledLayerNames:     d.validationLayers,
	}

	var instance vk.Instance
	if err := vk.Error(vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		return fmt.Errorf("failed to create Vulkan instance: %w", err)
	}
	d.instance = instance

	if err := vk.InitInstance(instance); err != nil {
		return fmt.Errorf("failed to load instance functions: %w", err)
	}

	return nil
}

// loadDeviceFunctions resolves the device entry points vulkan-go does not
// bind.
func (d *Device) loadDeviceFunctions() error {
	d.getMemoryFd = deviceProcAddr(d.getInstanceProcAddr, d.instance, d.device, "vkGetMemoryFdKHR")
	if d.getMemoryFd == nil {
		return fmt.Errorf("vkGetMemoryFdKHR not available")
	}
	return nil
}

func (d *Device) pickPhysicalDevice() error {
	var deviceCount uint32
	err := vk.Error(vk.EnumeratePhysicalDevices(d.instance, &deviceCount, nil))
	if err != nil {
		return fmt.Errorf("failed to get the number of physical devices: %w", err)
	}
	if deviceCount == 0 {
		return fmt.Errorf("failed to find GPUs with Vulkan support")
	}

	pDevices := make([]vk.PhysicalDevice, deviceCount)
	err = vk.Error(vk.EnumeratePhysicalDevices(d.instance, &deviceCount, pDevices))
	if err != nil {
		return fmt.Errorf("failed to enumerate the physical devices: %w", err)
	}

	var (
		selectedDevice = vk.PhysicalDevice(vk.NullHandle)
		score          uint32
	)

	for _, device := range pDevices {
		deviceScore := d.getDeviceScore(device)

		if deviceScore > score {
			selectedDevice = device
			score = deviceScore
		}
	}

	if selectedDevice == vk.PhysicalDevice(vk.NullHandle) {
		return fmt.Errorf("failed to find a physical device with external memory support")
	}

	d.physicalDevice = selectedDevice
	d.indices = d.findQueueFamilies(selectedDevice)

	return nil
}

// getDeviceScore returns how suitable is this device for sharing memory.
// Bigger score means better. Zero means the device cannot be used.
func (d *Device) getDeviceScore(device vk.PhysicalDevice) uint32 {
	var (
		deviceScore uint32
		properties  vk.PhysicalDeviceProperties
	)

	vk.GetPhysicalDeviceProperties(device, &properties)
	properties.Deref()

	if properties.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
		deviceScore += 1000
	} else {
		deviceScore++
	}

	indices := d.findQueueFamilies(device)
	if !indices.IsComplete() || !d.checkDeviceExtensionSupport(device) {
		deviceScore = 0
	}

	d.log.Debug("available device",
		zap.String("name", vk.ToString(properties.DeviceName[:])),
		zap.Uint32("score", deviceScore),
	)

	return deviceScore
}

func (d *Device) findQueueFamilies(device vk.PhysicalDevice) queues.FamilyIndices {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)

	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	caps := make([]queues.Capability, 0, len(queueFamilies))
	for _, family := range queueFamilies {
		family.Deref()
		caps = append(caps, queues.Capability(family.QueueFlags))
	}

	return queues.Find(caps)
}

func (d *Device) checkDeviceExtensionSupport(device vk.PhysicalDevice) bool {
	var extensionsCount uint32
	res := vk.EnumerateDeviceExtensionProperties(device, "", &extensionsCount, nil)
	if err := vk.Error(res); err != nil {
		d.log.Warn("enumerating device extension properties count", zap.Error(err))
		return false
	}

	availableExtensions := make([]vk.ExtensionProperties, extensionsCount)
	res = vk.EnumerateDeviceExtensionProperties(device, "", &extensionsCount,
		availableExtensions)
	if err := vk.Error(res); err != nil {
		d.log.Warn("getting device extension properties", zap.Error(err))
		return false
	}

	requiredExtensions := make(map[string]struct{})
	for _, extensionName := range d.deviceExtensions {
		requiredExtensions[extensionName] = struct{}{}
	}

	for _, extension := range availableExtensions {
		extension.Deref()
		extensionName := vk.ToString(extension.ExtensionName[:])

		delete(requiredExtensions, extensionName+"\x00")
	}

	return len(requiredExtensions) == 0
}

func (d *Device) checkValidationSupport() bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	availableLayers := make([]vk.LayerProperties, count)

	if vk.EnumerateInstanceLayerProperties(&count, availableLayers) != vk.Success {
		return false
	}

	available := make(map[string]struct{}, count)
	for _, layer := range availableLayers {
		layer.Deref()
		available[vk.ToString(layer.LayerName[:])+"\x00"] = struct{}{}
	}

	for _, validationLayer := range d.validationLayers {
		if _, ok := available[validationLayer]; !ok {
			return false
		}
	}

	return true
}

func (d *Device) createLogicalDevice() error {
	queueCreateInfos := []vk.DeviceQueueCreateInfo{}

	for _, familyIndex := range d.indices.Unique() {
		queueCreateInfos = append(
			queueCreateInfos,
			vk.DeviceQueueCreateInfo{
				SType:            vk.StructureTypeDeviceQueueCreateInfo,
				QueueFamilyIndex: familyIndex,
				QueueCount:       1,
				PQueuePriorities: []float32{1.0},
			},
		)
	}

	createInfo := vk.DeviceCreateInfo{
		SType:            vk.StructureTypeDeviceCreateInfo,
		PEnabledFeatures: []vk.PhysicalDeviceFeatures{{}},

		PQueueCreateInfos:    queueCreateInfos,
		QueueCreateInfoCount: uint32(len(queueCreateInfos)),

		EnabledExtensionCount:   uint32(len(d.deviceExtensions)),
		PpEnabledExtensionNames: d.deviceExtensions,

		EnabledLayerCount:   uint32(len(d.validationLayers)),
		PpEnabledLayerNames: d.validationLayers,
	}

	var device vk.Device
	err := vk.Error(vk.CreateDevice(d.physicalDevice, &createInfo, nil, &device))
	if err != nil {
		return fmt.Errorf("failed to create logical device: %w", err)
	}
	d.device = device

	for _, familyIndex := range d.indices.Unique() {
		var queue vk.Queue
		vk.GetDeviceQueue(d.device, familyIndex, 0, &queue)
		d.queues[familyIndex] = queue
	}

	return nil
}

func (d *Device) createCommandPools() error {
	for _, familyIndex := range d.indices.Unique() {
		poolInfo := vk.CommandPoolCreateInfo{
			SType: vk.StructureTypeCommandPoolCreateInfo,
			Flags: vk.CommandPoolCreateFlags(
				vk.CommandPoolCreateTransientBit,
			),
			QueueFamilyIndex: familyIndex,
		}

		var commandPool vk.CommandPool
		res := vk.CreateCommandPool(d.device, &poolInfo, nil, &commandPool)
		if err := vk.Error(res); err != nil {
			return fmt.Errorf("failed to create command pool: %w", err)
		}
		d.commandPools[familyIndex] = commandPool
	}

	return nil
}

func (d *Device) loadMemoryTypes() {
	var memProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.physicalDevice, &memProperties)
	memProperties.Deref()

	d.memoryTypes = make([]extmem.MemoryProperty, memProperties.MemoryTypeCount)
	for i := uint32(0); i < memProperties.MemoryTypeCount; i++ {
		memType := memProperties.MemoryTypes[i]
		memType.Deref()

		d.memoryTypes[i] = memoryProperty(memType.PropertyFlags)
	}
}

func memoryProperty(flags vk.MemoryPropertyFlags) extmem.MemoryProperty {
	var props extmem.MemoryProperty

	if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) != 0 {
		props |= extmem.MemoryDeviceLocal
	}
	if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0 {
		props |= extmem.MemoryHostVisible
	}
	if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0 {
		props |= extmem.MemoryHostCoherent
	}
	if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit) != 0 {
		props |= extmem.MemoryHostCached
	}

	return props
}

// MemoryTypes implements extmem.Device.
func (d *Device) MemoryTypes() []extmem.MemoryProperty {
	return d.memoryTypes
}

// WaitIdle implements extmem.Device.
func (d *Device) WaitIdle() error {
	if err := vk.Error(vk.DeviceWaitIdle(d.device)); err != nil {
		return fmt.Errorf("failed to wait for device idle: %w", err)
	}
	return nil
}

// Destroy destroys the logical device and the instance. Every resource and
// memory object must have been released.
func (d *Device) Destroy() {
	if d.device != vk.Device(vk.NullHandle) {
		vk.DeviceWaitIdle(d.device)

		for familyIndex, pool := range d.commandPools {
			vk.DestroyCommandPool(d.device, pool, nil)
			delete(d.commandPools, familyIndex)
		}

		vk.DestroyDevice(d.device, nil)
		d.device = vk.Device(vk.NullHandle)
	}

	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}

	if d.glfwInitialized {
		glfw.Terminate()
		d.glfwInitialized = false
	}
}
