package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func treeResult(t *testing.T, records ...string) map[string]any {
	t.Helper()
	p := newTreeParser()
	for _, r := range records {
		require.NoError(t, p.Parse(r))
	}
	return p.Result()
}

func sampleResult(t *testing.T, name string, records ...string) map[string]any {
	t.Helper()
	p := newSampleParser(name)
	for _, r := range records {
		require.NoError(t, p.Parse(r))
	}
	return p.Result()
}

func TestMergeKnownThreads(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(treeResult(t,
		"t 100 - 100/100 1000 2000 app",
		"t 101 100 100/101 1100 1900 app",
		"c 1 main",
	)))
	require.NoError(t, m.addResult(sampleResult(t, "walltime",
		"s 100_100 1000 50",
		"o 100_100 1500 300",
	)))

	require.Len(t, m.meta.ThreadTree, 2)
	assert.Equal(t, "100", m.meta.ThreadTree[0].Identifier)
	require.NotNil(t, m.meta.ThreadTree[1].Parent)
	assert.Equal(t, "100", *m.meta.ThreadTree[1].Parent)
	assert.Equal(t, [4]any{"app", "100/100", int64(1000), int64(2000)}, m.meta.ThreadTree[0].Tag)

	assert.Equal(t, uint64(50), m.meta.SampledTimes["100_100"])
	assert.Equal(t, [][2]uint64{{1500, 300}}, m.meta.OffcpuRegions["100_100"])
	assert.Empty(t, m.finalOutput, "well-known fields never reach per-thread files")
}

func TestMergeSynthesizesPlaceholder(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(sampleResult(t, "CYCLES",
		"e 200_201 900 cycles 1000000",
	)))

	require.Len(t, m.meta.ThreadTree, 1)
	entry := m.meta.ThreadTree[0]
	assert.Equal(t, "201", entry.Identifier)
	assert.Nil(t, entry.Parent)
	assert.Equal(t, [4]any{"?", "200/201", int64(-1), int64(-1)}, entry.Tag)

	assert.Equal(t, uint64(1000000), m.finalOutput["200_201"]["cycles"])
}

func TestMergeNoDuplicatePlaceholder(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(treeResult(t, "t 201 - 200/201 1 2 app")))
	require.NoError(t, m.addResult(sampleResult(t, "CYCLES", "e 200_201 900 cycles 5")))
	assert.Len(t, m.meta.ThreadTree, 1, "tree probe already supplied the entry")
}

func TestMergeDuplicateChainID(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(treeResult(t, "c 7 main")))
	err := m.addResult(treeResult(t, "c 7 other"))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestMergeDiscardsFirstTime(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(sampleResult(t, "walltime", "s 10_10 123 1")))
	_, inOutput := m.finalOutput["10_10"]
	assert.False(t, inOutput)
	assert.NotContains(t, m.meta.SampledTimes, "first_time")
}

func TestRebase(t *testing.T) {
	m := newMerged()
	require.NoError(t, m.addResult(sampleResult(t, "walltime",
		"o 10_10 1700000000000000500 200",
	)))
	m.rebase(1700000000000000000)
	assert.Equal(t, [][2]uint64{{500, 200}}, m.meta.OffcpuRegions["10_10"])
}
