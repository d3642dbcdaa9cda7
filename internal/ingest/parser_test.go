package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeParser(t *testing.T) {
	p := newTreeParser()
	require.NoError(t, p.Parse("t 100 - 100/100 1000 2000 bash"))
	require.NoError(t, p.Parse("t 101 100 100/101 1100 1900 worker thread"))
	require.NoError(t, p.Parse("c 7 main compute_loop"))
	require.NoError(t, p.Parse("c 8 main"))

	result := p.Result()
	tree := result["syscall_meta"].(*TreeMeta)
	require.Equal(t, []string{"100", "101"}, tree.Tids)

	meta := tree.Meta["101"]
	assert.Equal(t, "100", meta.Parent)
	assert.Equal(t, "100/101", meta.PidTid)
	assert.Equal(t, int64(1100), meta.Start)
	assert.Equal(t, int64(1900), meta.End)
	assert.Equal(t, "worker thread", meta.Comm, "comm keeps embedded spaces")

	assert.Equal(t, "", tree.Meta["100"].Parent)

	chains := result["syscall"].(map[string][]string)
	assert.Equal(t, []string{"main", "compute_loop"}, chains["7"])
	assert.Equal(t, []string{"main"}, chains["8"])
}

func TestTreeParserRewritesDuplicateTid(t *testing.T) {
	p := newTreeParser()
	require.NoError(t, p.Parse("t 100 - 100/100 1000 2000 bash"))
	require.NoError(t, p.Parse("t 100 - 100/100 1000 3000 bash"))
	tree := p.Result()["syscall_meta"].(*TreeMeta)
	require.Equal(t, []string{"100"}, tree.Tids)
	assert.Equal(t, int64(3000), tree.Meta["100"].End)
}

func TestTreeParserErrors(t *testing.T) {
	cases := []string{
		"t 100 - 100/100 1000",      // short
		"t 100 - 100/100 x 2000 sh", // bad start
		"q 1 2",                     // unknown kind
		"c 7",                       // chain without frames
		"noise",
	}
	for _, line := range cases {
		p := newTreeParser()
		err := p.Parse(line)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, "line %q", line)
	}
}

func TestSampleParser(t *testing.T) {
	p := newSampleParser("walltime")
	require.NoError(t, p.Parse("s 100_100 1000 50"))
	require.NoError(t, p.Parse("s 100_100 2000 50"))
	require.NoError(t, p.Parse("o 100_100 1500 300"))
	require.NoError(t, p.Parse("e 100_101 900 cycles 1000000"))
	require.NoError(t, p.Parse("e 100_101 1100 cycles 500000"))

	result := p.Result()
	perThread := result["sample_walltime"].(map[string]map[string]any)

	main := perThread["100_100"]
	assert.Equal(t, uint64(100), main["sampled_time"])
	assert.Equal(t, uint64(1000), main["first_time"])
	assert.Equal(t, [][2]uint64{{1500, 300}}, main["offcpu_regions"])

	worker := perThread["100_101"]
	assert.Equal(t, uint64(1500000), worker["cycles"])
	assert.Equal(t, uint64(900), worker["first_time"])
	_, hasSampled := worker["sampled_time"]
	assert.False(t, hasSampled)
	_, hasRegions := worker["offcpu_regions"]
	assert.False(t, hasRegions)
}

func TestSampleParserErrors(t *testing.T) {
	cases := []string{
		"s 100_100 1000",        // short
		"s 100_100 abc 50",      // bad ts
		"o 100_100 1000 x",      // bad length
		"e 100_100 1000 cycles", // missing count
		"z 100_100 1000 50",     // unknown kind
	}
	for _, line := range cases {
		p := newSampleParser("x")
		err := p.Parse(line)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, "line %q", line)
	}
}

func TestParserForHeader(t *testing.T) {
	p, err := parserForHeader("syscall")
	require.NoError(t, err)
	assert.IsType(t, &treeParser{}, p)

	p, err = parserForHeader("sample CYCLES")
	require.NoError(t, err)
	assert.IsType(t, &sampleParser{}, p)

	_, err = parserForHeader("sample ")
	assert.Error(t, err)
	_, err = parserForHeader("bogus")
	assert.Error(t, err)
}
