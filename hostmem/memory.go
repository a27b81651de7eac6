//go:build linux

package hostmem

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vulkan-external-memory/extmem"
)

type memory struct {
	fd         int
	size       uint64
	typeIndex  uint32
	exportable bool

	mu    sync.Mutex
	data  []byte
	bound int
	freed bool
}

func (m *memory) Size() uint64 {
	return m.size
}

func (m *memory) hostVisible() bool {
	return memoryTypes[m.typeIndex].Has(extmem.MemoryHostVisible)
}

func (m *memory) bind(offset, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.freed {
		return ErrFreed
	}
	if offset+size > m.size {
		return fmt.Errorf("%w: [%d, %d) in %d bytes", extmem.ErrBindOutOfRange, offset, offset+size, m.size)
	}
	m.bound++

	return nil
}

func (m *memory) unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound--
}

func (m *memory) view(offset, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.freed:
		return nil, ErrFreed
	case !m.hostVisible():
		return nil, ErrNotMappable
	case offset+size > m.size:
		return nil, fmt.Errorf("%w: [%d, %d) in %d bytes", extmem.ErrBindOutOfRange, offset, offset+size, m.size)
	}

	return m.data[offset : offset+size : offset+size], nil
}

// AllocateMemory implements extmem.Device. Imported descriptors are owned by
// the device once the call succeeds.
func (d *Device) AllocateMemory(info extmem.AllocateInfo) (extmem.Memory, error) {
	if int(info.MemoryTypeIndex) >= len(memoryTypes) {
		return nil, fmt.Errorf("%w: index %d", extmem.ErrNoMemoryType, info.MemoryTypeIndex)
	}
	if info.Size == 0 {
		return nil, fmt.Errorf("%w: zero sized allocation", extmem.ErrInvalidExtent)
	}

	if info.Import != nil {
		return d.importMemory(info)
	}

	fd, err := unix.MemfdCreate("extmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(info.Size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	d.log.Debug("memory allocated",
		zap.Uint64("size", info.Size),
		zap.Uint32("type", info.MemoryTypeIndex),
		zap.Bool("exportable", info.Export == extmem.HandleTypeOpaqueFD),
	)

	return &memory{
		fd:         fd,
		size:       info.Size,
		typeIndex:  info.MemoryTypeIndex,
		exportable: info.Export == extmem.HandleTypeOpaqueFD,
		data:       data,
	}, nil
}

func (d *Device) importMemory(info extmem.AllocateInfo) (extmem.Memory, error) {
	imp := info.Import
	if imp.HandleType != extmem.HandleTypeOpaqueFD {
		return nil, fmt.Errorf("hostmem: unsupported handle type %#x", imp.HandleType)
	}

	var st unix.Stat_t
	if err := unix.Fstat(imp.FD, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if uint64(st.Size) < info.Size {
		return nil, fmt.Errorf("%w: need %d bytes, descriptor has %d", extmem.ErrSizeMismatch, info.Size, st.Size)
	}

	data, err := unix.Mmap(imp.FD, 0, int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	d.log.Debug("memory imported", zap.Int("fd", imp.FD), zap.Uint64("size", info.Size))

	return &memory{
		fd:        imp.FD,
		size:      info.Size,
		typeIndex: info.MemoryTypeIndex,
		data:      data,
	}, nil
}

// ExportMemory implements extmem.Device. The returned descriptor is a
// duplicate owned by the caller.
func (d *Device) ExportMemory(m extmem.Memory, handleType extmem.HandleType) (int, error) {
	mem, ok := m.(*memory)
	if !ok {
		return -1, ErrForeignObject
	}
	if handleType != extmem.HandleTypeOpaqueFD || !mem.exportable {
		return -1, extmem.ErrNotExportable
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()

	if mem.freed {
		return -1, ErrFreed
	}

	fd, err := unix.FcntlInt(uintptr(mem.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("duplicating memory descriptor: %w", err)
	}

	return fd, nil
}

// Map implements extmem.Device.
func (d *Device) Map(m extmem.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := m.(*memory)
	if !ok {
		return nil, ErrForeignObject
	}
	return mem.view(offset, size)
}

// Unmap implements extmem.Device. Host memory stays mapped until freed.
func (d *Device) Unmap(m extmem.Memory) {}

// FreeMemory implements extmem.Device.
func (d *Device) FreeMemory(m extmem.Memory) error {
	mem, ok := m.(*memory)
	if !ok {
		return ErrForeignObject
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()

	switch {
	case mem.freed:
		return ErrFreed
	case mem.bound > 0:
		return fmt.Errorf("%w: %d resources", extmem.ErrMemoryInUse, mem.bound)
	}
	mem.freed = true

	err := unix.Munmap(mem.data)
	mem.data = nil
	if closeErr := unix.Close(mem.fd); err == nil {
		err = closeErr
	}

	return err
}
