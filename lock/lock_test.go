package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/ferrors"
)

func TestLockGetUnlockRoundTrip(t *testing.T) {
	s := Open(t.TempDir())

	l, err := s.Lock("/trunk/file.txt", "opaquelocktoken:1", "alice", "wip", false, time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, "/trunk/file.txt", l.Path)

	got, err := s.Get("/trunk/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	require.NoError(t, s.Unlock("/trunk/file.txt"))
	_, err = s.Get("/trunk/file.txt")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.NoSuchLock))
}

func TestLockAlreadyLockedFailsWithoutSteal(t *testing.T) {
	s := Open(t.TempDir())
	_, err := s.Lock("/a", "t1", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)

	_, err = s.Lock("/a", "t2", "bob", "", false, time.Time{}, false)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.PathAlreadyLocked))
}

func TestLockStealReplacesOwner(t *testing.T) {
	s := Open(t.TempDir())
	_, err := s.Lock("/a", "t1", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)

	l, err := s.Lock("/a", "t2", "bob", "", false, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, "bob", l.Owner)

	got, err := s.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.Token)
}

func TestGetAllFindsLocksBeneathPrefix(t *testing.T) {
	s := Open(t.TempDir())
	_, err := s.Lock("/trunk/a.txt", "t1", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)
	_, err = s.Lock("/trunk/sub/b.txt", "t2", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)
	_, err = s.Lock("/branches/c.txt", "t3", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)

	all, err := s.GetAll("/trunk")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/trunk/a.txt", all[0].Path)
	assert.Equal(t, "/trunk/sub/b.txt", all[1].Path)
}

func TestGetAutoExpiresLock(t *testing.T) {
	s := Open(t.TempDir())
	restore := now
	now = func() time.Time { return time.Unix(1000, 0) }
	defer func() { now = restore }()

	_, err := s.Lock("/foo", "t1", "alice", "", false, time.Unix(1500, 0), false)
	require.NoError(t, err)

	now = func() time.Time { return time.Unix(2000, 0) }
	_, err = s.Get("/foo")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.NoSuchLock))

	now = func() time.Time { return time.Unix(1000, 0) }
	_, err = s.Lock("/foo", "t2", "bob", "", false, time.Time{}, false)
	require.NoError(t, err)
}

func TestVerifyRejectsWrongOwnerOrToken(t *testing.T) {
	l := &Lock{Path: "/a", Owner: "alice", Token: "tok1"}
	assert.Error(t, Verify(l, "bob", map[string]bool{"tok1": true}))
	assert.Error(t, Verify(l, "alice", map[string]bool{"tok2": true}))
	assert.NoError(t, Verify(l, "alice", map[string]bool{"tok1": true}))
}
