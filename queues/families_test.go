package queues

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindPrefersDedicatedTransfer(t *testing.T) {
	indices := Find([]Capability{
		Compute,
		Graphics | Compute | Transfer,
		Transfer,
	})

	assert.True(t, indices.IsComplete())
	assert.EqualValues(t, 1, indices.Graphics.Get())
	assert.EqualValues(t, 2, indices.Transfer.Get())
	assert.Equal(t, []uint32{1, 2}, indices.Unique())
}

func TestFindFallsBackToGraphics(t *testing.T) {
	indices := Find([]Capability{Graphics | Compute | Transfer, Compute})

	assert.True(t, indices.IsComplete())
	assert.EqualValues(t, 0, indices.Transfer.Get())
	assert.Equal(t, []uint32{0}, indices.Unique())
}

func TestFindWithoutGraphics(t *testing.T) {
	indices := Find([]Capability{Compute | Transfer})

	assert.False(t, indices.IsComplete())
	assert.Nil(t, indices.Unique())
}
