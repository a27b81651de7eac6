// Package queues picks the device queue families used for shared memory work.
package queues

// Capability is a set of queue capability bits. The values match the
// corresponding Vulkan queue flag bits.
type Capability uint32

const (
	Graphics Capability = 1 << iota
	Compute
	Transfer
)

// Family is a queue family index which may be unset.
type Family struct {
	index uint32
	set   bool
}

// Set stores i.
func (f *Family) Set(i uint32) {
	f.index, f.set = i, true
}

// Get returns the index. It is only meaningful when HasValue is true.
func (f Family) Get() uint32 {
	return f.index
}

// HasValue reports whether the index was set.
func (f Family) HasValue() bool {
	return f.set
}

// FamilyIndices holds the indexes of queue families needed by the programs.
type FamilyIndices struct {

	// Graphics is the index of the family used for image clears.
	Graphics Family

	// Transfer is the index of the family used for buffer fills and copies.
	// It is a dedicated transfer family when the device has one.
	Transfer Family
}

// IsComplete returns true if all families have been set.
func (f *FamilyIndices) IsComplete() bool {
	return f.Graphics.HasValue() && f.Transfer.HasValue()
}

// Unique returns the distinct family indexes, graphics first.
func (f *FamilyIndices) Unique() []uint32 {
	if !f.IsComplete() {
		return nil
	}
	if f.Graphics.Get() == f.Transfer.Get() {
		return []uint32{f.Graphics.Get()}
	}
	return []uint32{f.Graphics.Get(), f.Transfer.Get()}
}

// Find selects families from the capabilities of each family, by index.
func Find(families []Capability) FamilyIndices {
	indices := FamilyIndices{}

	for i, caps := range families {
		if caps&Graphics != 0 && !indices.Graphics.HasValue() {
			indices.Graphics.Set(uint32(i))
		}

		if caps&Transfer != 0 && caps&(Graphics|Compute) == 0 && !indices.Transfer.HasValue() {
			indices.Transfer.Set(uint32(i))
		}
	}

	// Graphics queues support transfers implicitly.
	if !indices.Transfer.HasValue() && indices.Graphics.HasValue() {
		indices.Transfer.Set(indices.Graphics.Get())
	}

	return indices
}
