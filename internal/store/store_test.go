package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginFinishRecent(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Begin(&Session{
		ID:        "a1",
		Command:   "/bin/true",
		ResultDir: "run1",
		Probes:    3,
		StartedAt: started,
	}))
	require.NoError(t, s.Begin(&Session{
		ID:        "a2",
		Command:   "/bin/false",
		ResultDir: "run2",
		Probes:    2,
		StartedAt: started.Add(time.Minute),
	}))
	require.NoError(t, s.Finish("a1", 0, started.Add(30*time.Second)))

	sessions, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "a2", sessions[0].ID, "most recent first")
	assert.Equal(t, -1, sessions[0].ExitCode, "unfinished session")
	assert.Equal(t, "a1", sessions[1].ID)
	assert.Equal(t, 0, sessions[1].ExitCode)
	assert.Equal(t, 3, sessions[1].Probes)
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Begin(&Session{
			ID:        string(rune('a' + i)),
			Command:   "cmd",
			ResultDir: "dir",
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	sessions, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}
