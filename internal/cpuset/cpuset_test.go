package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxPostProcess(t *testing.T) {
	assert.Equal(t, 1, MaxPostProcess(4))
	assert.Equal(t, 1, MaxPostProcess(3))
	assert.Equal(t, 1, MaxPostProcess(2))
	assert.Equal(t, 5, MaxPostProcess(8))
}

func TestNewPartitionDisjoint(t *testing.T) {
	p, err := New(8, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, p.Profiler)
	assert.Equal(t, []int{4, 5, 6, 7}, p.Command)
	assert.True(t, p.Isolated())

	seen := map[int]bool{}
	for _, cpu := range p.Profiler {
		seen[cpu] = true
	}
	for _, cpu := range p.Command {
		assert.False(t, seen[cpu], "cpu %d in both sets", cpu)
	}
}

func TestNewPartitionNoIsolation(t *testing.T) {
	p, err := New(8, 0)
	require.NoError(t, err)
	assert.False(t, p.Isolated())
	assert.Empty(t, p.Profiler)
	assert.Empty(t, p.Command)
}

func TestNewPartitionTooSmall(t *testing.T) {
	_, err := New(4, 2)
	assert.Error(t, err)

	p, err := New(4, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, p.Command)
}
