package repcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/rep"
)

func TestLookupMissOnEmptyStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Lookup("deadbeef")
	assert.False(t, ok)
}

func TestRecordThenLookupRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	key := rep.Key{Revision: 3, Offset: 128, Size: 64, ExpandedSize: 100}
	require.NoError(t, s.Record("abc123", key))

	got, ok := s.Lookup("abc123")
	require.True(t, ok)
	assert.EqualValues(t, 3, got.Revision)
	assert.EqualValues(t, 128, got.Offset)
	assert.EqualValues(t, 64, got.Size)
	assert.EqualValues(t, 100, got.ExpandedSize)
	assert.Equal(t, "abc123", got.SHA1)
}

func TestRecordDuplicateSha1IsBenign(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	first := rep.Key{Revision: 1, Offset: 0, Size: 10, ExpandedSize: 10}
	second := rep.Key{Revision: 2, Offset: 50, Size: 10, ExpandedSize: 10}

	require.NoError(t, s.Record("dup", first))
	require.NoError(t, s.Record("dup", second))

	got, ok := s.Lookup("dup")
	require.True(t, ok)
	assert.EqualValues(t, 1, got.Revision, "first writer's key must win, not be silently replaced")
}

func TestReopenPersistsAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rep-cache.db")
	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Record("persisted", rep.Key{Revision: 7, Offset: 1, Size: 2, ExpandedSize: 2}))
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	got, ok := s2.Lookup("persisted")
	require.True(t, ok)
	assert.EqualValues(t, 7, got.Revision)
}
