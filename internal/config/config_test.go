package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTable(t *testing.T) {
	src := `
# adaptyst configuration
perf_path=/opt/perf
carm_tool_path = /opt/carm

roofline_benchmark_path=/opt/carm/bench
`
	tbl, err := ParseTable(strings.NewReader(src))
	require.NoError(t, err)

	v, ok := tbl.Get("perf_path")
	require.True(t, ok)
	assert.Equal(t, "/opt/perf", v)

	v, ok = tbl.Get("carm_tool_path")
	require.True(t, ok)
	assert.Equal(t, "/opt/carm", v)
}

func TestParseTableSyntaxError(t *testing.T) {
	_, err := ParseTable(strings.NewReader("perf_path /opt/perf"))
	assert.Error(t, err)

	_, err = ParseTable(strings.NewReader("=value"))
	assert.Error(t, err)
}

func TestRenderRoundTrip(t *testing.T) {
	src := "perf_path=/opt/perf\ncarm_tool_path=/opt/carm\n"
	tbl, err := ParseTable(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, src, tbl.Render())

	again, err := ParseTable(strings.NewReader(tbl.Render()))
	require.NoError(t, err)
	assert.Equal(t, src, again.Render())
}

func TestMergeLaterWins(t *testing.T) {
	system, err := ParseTable(strings.NewReader("perf_path=/usr\ncarm_tool_path=/opt/carm\n"))
	require.NoError(t, err)
	local, err := ParseTable(strings.NewReader("perf_path=/home/me/perf\n"))
	require.NoError(t, err)

	system.Merge(local)
	v, _ := system.Get("perf_path")
	assert.Equal(t, "/home/me/perf", v)
	v, _ = system.Get("carm_tool_path")
	assert.Equal(t, "/opt/carm", v)
}

func TestLoadOverridesAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	systemPath := filepath.Join(dir, "system.conf")
	localPath := filepath.Join(dir, "local.conf")
	require.NoError(t, os.WriteFile(systemPath, []byte("perf_path=/usr/lib/perf\n"), 0644))
	require.NoError(t, os.WriteFile(localPath, []byte("perf_path=/opt/perf\ncarm_tool_path=/opt/carm\n"), 0644))

	t.Setenv("ADAPTYST_CONFIG", systemPath)
	t.Setenv("ADAPTYST_LOCAL_CONFIG", localPath)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/perf", s.PerfPath)
	assert.Equal(t, "/opt/carm", s.CARMToolPath)

	// Missing local file: system value survives.
	t.Setenv("ADAPTYST_LOCAL_CONFIG", filepath.Join(dir, "nope.conf"))
	s, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/perf", s.PerfPath)
}

func TestLoadRequiresPerfPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ADAPTYST_CONFIG", filepath.Join(dir, "absent.conf"))
	t.Setenv("ADAPTYST_LOCAL_CONFIG", filepath.Join(dir, "absent2.conf"))
	_, err := Load()
	assert.Error(t, err)
}

func TestScriptDirOverride(t *testing.T) {
	s := &Settings{PerfPath: "/opt/perf"}
	assert.Equal(t, "/opt/perf/bin/perf", s.PerfBin())
	assert.Equal(t, "/opt/perf/libexec/perf-core/scripts/python/adaptyst/Trace", s.ScriptDir())

	t.Setenv("ADAPTYST_SCRIPT_DIR", "/elsewhere/Trace")
	s2, err := loadWithEnvScriptDir(t)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere/Trace", s2.ScriptDir())
}

func loadWithEnvScriptDir(t *testing.T) (*Settings, error) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "conf")
	if err := os.WriteFile(cfg, []byte("perf_path=/opt/perf\n"), 0644); err != nil {
		return nil, err
	}
	t.Setenv("ADAPTYST_CONFIG", cfg)
	t.Setenv("ADAPTYST_LOCAL_CONFIG", filepath.Join(dir, "none"))
	return Load()
}

func TestValidate(t *testing.T) {
	prefix := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0755))
	scriptDir := filepath.Join(prefix, "libexec", "perf-core", "scripts", "python", "adaptyst", "Trace")
	require.NoError(t, os.MkdirAll(scriptDir, 0755))

	s := &Settings{PerfPath: prefix}
	assert.Error(t, s.Validate(), "perf binary missing")

	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "perf"), []byte("#!"), 0755))
	assert.NoError(t, s.Validate())
}
