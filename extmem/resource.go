package extmem

import (
	"fmt"
	"strings"
)

// ResourceKind selects between an image and a buffer.
type ResourceKind int

const (
	ResourceBuffer ResourceKind = iota
	ResourceImage
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceBuffer:
		return "buffer"
	case ResourceImage:
		return "image"
	default:
		return fmt.Sprintf("ResourceKind(%d)", int(k))
	}
}

// ParseResourceKind parses "buffer" or "image".
func ParseResourceKind(s string) (ResourceKind, error) {
	switch strings.ToLower(s) {
	case "buffer":
		return ResourceBuffer, nil
	case "image":
		return ResourceImage, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

// Format is the texel format. Only four byte color formats are used.
type Format int

const (
	FormatB8G8R8A8Unorm Format = iota
	FormatR8G8B8A8Unorm
)

// BytesPerPixel returns the texel size of f.
func (f Format) BytesPerPixel() uint64 {
	return 4
}

func (f Format) String() string {
	switch f {
	case FormatB8G8R8A8Unorm:
		return "b8g8r8a8_unorm"
	case FormatR8G8B8A8Unorm:
		return "r8g8b8a8_unorm"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat parses a format name as printed by Format.String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "b8g8r8a8_unorm", "bgra8":
		return FormatB8G8R8A8Unorm, nil
	case "r8g8b8a8_unorm", "rgba8":
		return FormatR8G8B8A8Unorm, nil
	default:
		return 0, fmt.Errorf("extmem: unknown format %q", s)
	}
}

// Usage is a set of resource usage flags.
type Usage uint32

const (
	UsageTransferSrc Usage = 1 << iota
	UsageTransferDst
)

// ResourceDesc is the agreement between exporter and importer about the
// shared resource. It is never sent over the channel.
type ResourceDesc struct {
	Kind   ResourceKind
	Width  uint32
	Height uint32
	Format Format
	Usage  Usage

	// External is the handle type the backing memory will be shared with.
	External HandleType
}

// Validate checks the extent.
func (d ResourceDesc) Validate() error {
	if d.Width == 0 || d.Height == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidExtent, d.Width, d.Height)
	}
	return nil
}

// PixelBytes is the tightly packed size of the content: width * height *
// bytes per pixel. Devices may require more memory than that.
func (d ResourceDesc) PixelBytes() uint64 {
	return uint64(d.Width) * uint64(d.Height) * d.Format.BytesPerPixel()
}

// RowBytes is the tightly packed size of one row.
func (d ResourceDesc) RowBytes() uint64 {
	return uint64(d.Width) * d.Format.BytesPerPixel()
}
