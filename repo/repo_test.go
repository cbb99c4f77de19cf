package repo

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/config"
	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/svndiff"
	"github.com/rcowham/svnfs/tree"
	"github.com/rcowham/svnfs/txn"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestRepo(t *testing.T, cfg *config.Config) *Fs {
	t.Helper()
	fs, err := Create(t.TempDir(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

// commitFile begins a transaction against baseRev, writes a single file
// at path with contents, and commits it, returning the new revision.
func commitFile(t *testing.T, fs *Fs, baseRev int64, path string, contents []byte) int64 {
	t.Helper()
	tx, err := fs.BeginTxn(baseRev)
	require.NoError(t, err)

	rootNR, err := tx.Load(tx.RootID)
	require.NoError(t, err)
	newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, tx.ID)
	require.NoError(t, err)
	tx.RootID = newRootID

	rootDir, err := tx.LoadDir(newRootNR)
	require.NoError(t, err)

	name := path[1:]
	var fileID id.ID
	var fileNR *dag.NodeRevision
	if entry, ok := rootDir.Get(name); ok {
		existing, err := tx.Load(entry.ID)
		require.NoError(t, err)
		fileID, fileNR, err = dag.Clone(tx, existing, 0, false, tx.ID)
		require.NoError(t, err)
	} else {
		fileID, fileNR, err = dag.MakeFile(tx, tx.ID, path)
		require.NoError(t, err)
	}
	require.NoError(t, tx.ApplyText(fileNR, contents, nil, testLogger()))
	require.NoError(t, dag.SetEntry(newRootNR, rootDir, tx.ID, name, dirtree.KindFile, fileID))

	res, err := fs.Commit(tx, "testuser", nil)
	require.NoError(t, err)
	return res.Rev
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := Create(dir, config.Default(), testLogger())
	require.NoError(t, err)
	uuid, format := fs.UUID(), fs.Format()
	require.NoError(t, fs.Close())

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uuid, reopened.UUID())
	assert.Equal(t, format, reopened.Format())

	youngest, err := reopened.YoungestRev()
	require.NoError(t, err)
	assert.EqualValues(t, 0, youngest)
}

func TestCommitAddsFileAndReadBack(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev := commitFile(t, fs, 0, "/hello.txt", []byte("hello world"))
	assert.EqualValues(t, 1, rev)

	youngest, err := fs.YoungestRev()
	require.NoError(t, err)
	assert.EqualValues(t, 1, youngest)

	root, err := fs.RevisionRoot(rev)
	require.NoError(t, err)
	data, err := fs.ReadFile(root, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestHistoryWalksPredecessors(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	rev2 := commitFile(t, fs, rev1, "/a.txt", []byte("two"))

	root, err := fs.RevisionRoot(rev2)
	require.NoError(t, err)
	h, err := NewHistory(fs, root, "/a.txt", false)
	require.NoError(t, err)

	path, rev, ok, err := h.Prev()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/a.txt", path)
	assert.EqualValues(t, rev2, rev)

	path, rev, ok, err = h.Prev()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/a.txt", path)
	assert.EqualValues(t, rev1, rev)

	_, _, ok, err = h.Prev()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPassesAfterCommits(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	rev2 := commitFile(t, fs, rev1, "/b.txt", []byte("two"))

	require.NoError(t, fs.Verify(0, rev2))
}

func TestRecoverIsNoopWhenCurrentUpToDate(t *testing.T) {
	fs := openTestRepo(t, config.Default())
	rev := commitFile(t, fs, 0, "/a.txt", []byte("one"))

	youngest, err := fs.Recover()
	require.NoError(t, err)
	assert.Equal(t, rev, youngest)
}

func TestPackCollapsesShard(t *testing.T) {
	cfg := config.Default()
	cfg.Sharded = true
	cfg.ShardSize = 1
	fs := openTestRepo(t, cfg)

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	rev2 := commitFile(t, fs, rev1, "/b.txt", []byte("two"))

	require.NoError(t, fs.Pack(rev2))
	assert.EqualValues(t, rev2, fs.store.MinUnpackedRev())

	root, err := fs.RevisionRoot(rev1)
	require.NoError(t, err)
	data, err := fs.ReadFile(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestHotcopyOmitsTransactions(t *testing.T) {
	fs := openTestRepo(t, config.Default())
	commitFile(t, fs, 0, "/a.txt", []byte("one"))

	dest := t.TempDir() + "/copy"
	require.NoError(t, fs.Hotcopy(dest))

	copied, err := Open(dest, testLogger())
	require.NoError(t, err)
	defer copied.Close()

	youngest, err := copied.YoungestRev()
	require.NoError(t, err)
	assert.EqualValues(t, 1, youngest)

	root, err := copied.RevisionRoot(youngest)
	require.NoError(t, err)
	data, err := copied.ReadFile(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

// commitCopy begins a transaction against baseRev, copies fromPath as it
// existed at fromRev to toPath, and commits, returning the new revision.
func commitCopy(t *testing.T, fs *Fs, baseRev int64, fromPath string, fromRev int64, toPath string) int64 {
	t.Helper()
	tx, err := fs.BeginTxn(baseRev)
	require.NoError(t, err)

	rootNR, err := tx.Load(tx.RootID)
	require.NoError(t, err)
	newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, tx.ID)
	require.NoError(t, err)
	tx.RootID = newRootID

	rootDir, err := tx.LoadDir(newRootNR)
	require.NoError(t, err)

	fromRoot, err := fs.RevisionRoot(fromRev)
	require.NoError(t, err)
	pp, err := tree.Resolve(fs, fromRoot, fromPath, false, nil)
	require.NoError(t, err)

	require.NoError(t, dag.Copy(tx, rootDir, toPath[1:], dirtree.KindFile, pp.Node.ID, fromRev, fromPath, newRootNR, tx.ID))

	res, err := fs.Commit(tx, "testuser", nil)
	require.NoError(t, err)
	return res.Rev
}

func TestClosestCopyFindsCopyDestination(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	rev2 := commitCopy(t, fs, rev1, "/a.txt", rev1, "/b.txt")

	root2, err := fs.RevisionRoot(rev2)
	require.NoError(t, err)

	copyRoot, copyPath, info, ok, err := ClosestCopy(fs, root2, "/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/b.txt", copyPath)
	assert.EqualValues(t, rev2, copyRoot.Rev)
	assert.EqualValues(t, rev1, info.FromRev)
	assert.Equal(t, "/a.txt", info.FromPath)
	assert.EqualValues(t, rev2, info.RootRev)
	assert.Equal(t, "/b.txt", info.RootPath)

	data, err := fs.ReadFile(root2, "/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	_, _, _, ok, err = ClosestCopy(fs, root2, "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitRejectsWriteToLockedPathWithoutMatchingCredentials(t *testing.T) {
	fs := openTestRepo(t, config.Default())
	commitFile(t, fs, 0, "/a.txt", []byte("one"))

	token, err := fs.Locks().Lock("/a.txt", "opaquelocktoken:owned", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)

	newTxnWithEdit := func(baseRev int64) *txn.Txn {
		tx, err := fs.BeginTxn(baseRev)
		require.NoError(t, err)
		rootNR, err := tx.Load(tx.RootID)
		require.NoError(t, err)
		newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, tx.ID)
		require.NoError(t, err)
		tx.RootID = newRootID
		rootDir, err := tx.LoadDir(newRootNR)
		require.NoError(t, err)
		entry, ok := rootDir.Get("a.txt")
		require.True(t, ok)
		existing, err := tx.Load(entry.ID)
		require.NoError(t, err)
		fileID, fileNR, err := dag.Clone(tx, existing, 0, false, tx.ID)
		require.NoError(t, err)
		require.NoError(t, tx.ApplyText(fileNR, []byte("two"), nil, testLogger()))
		require.NoError(t, dag.SetEntry(newRootNR, rootDir, tx.ID, "a.txt", dirtree.KindFile, fileID))
		return tx
	}

	tx1 := newTxnWithEdit(1)
	_, err = fs.Commit(tx1, "mallory", map[string]bool{token.Token: true})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.LockOwnerMismatch))

	tx2 := newTxnWithEdit(1)
	_, err = fs.Commit(tx2, "alice", map[string]bool{"opaquelocktoken:wrong": true})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.BadLockToken))

	tx3 := newTxnWithEdit(1)
	res, err := fs.Commit(tx3, "alice", map[string]bool{token.Token: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Rev)
}

func TestCheckPathAndNodeIdentity(t *testing.T) {
	fs := openTestRepo(t, config.Default())
	rev := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	root, err := fs.RevisionRoot(rev)
	require.NoError(t, err)

	kind, ok, err := fs.CheckPath(root, "/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirtree.KindFile, kind)

	_, ok, err = fs.CheckPath(root, "/missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	createdRev, err := fs.NodeCreatedRev(root, "/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, rev, createdRev)

	createdPath, err := fs.NodeCreatedPath(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", createdPath)

	nid, err := fs.NodeID(root, "/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, rev, nid.Rev)
}

func TestCopiedFromAndContentsChanged(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("one"))
	rev2 := commitCopy(t, fs, rev1, "/a.txt", rev1, "/b.txt")
	rev3 := commitFile(t, fs, rev2, "/a.txt", []byte("one-changed"))

	root2, err := fs.RevisionRoot(rev2)
	require.NoError(t, err)
	root3, err := fs.RevisionRoot(rev3)
	require.NoError(t, err)

	fromRev, fromPath, ok, err := fs.CopiedFrom(root2, "/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, rev1, fromRev)
	assert.Equal(t, "/a.txt", fromPath)

	_, _, ok, err = fs.CopiedFrom(root2, "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	changed, err := fs.ContentsChanged(root2, "/a.txt", root3, "/a.txt")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = fs.ContentsChanged(root2, "/b.txt", root2, "/a.txt")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFileDeltaStreamProducesApplicableWindows(t *testing.T) {
	fs := openTestRepo(t, config.Default())

	rev1 := commitFile(t, fs, 0, "/a.txt", []byte("hello world"))
	rev2 := commitFile(t, fs, rev1, "/a.txt", []byte("hello world, expanded"))

	root1, err := fs.RevisionRoot(rev1)
	require.NoError(t, err)
	root2, err := fs.RevisionRoot(rev2)
	require.NoError(t, err)

	stream, err := fs.FileDeltaStream(root1, "/a.txt", root2, "/a.txt")
	require.NoError(t, err)

	base, err := fs.ReadFile(root1, "/a.txt")
	require.NoError(t, err)
	result, err := svndiff.Apply(stream, base)
	require.NoError(t, err)
	assert.Equal(t, "hello world, expanded", string(result))
}
