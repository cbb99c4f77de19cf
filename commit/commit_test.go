package commit

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/lock"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/revfile"
	"github.com/rcowham/svnfs/tree"
	"github.com/rcowham/svnfs/txn"
)

func fakePropKey() *rep.Key { return &rep.Key{SHA1: "deadbeef"} }

type fakeBase struct {
	nodes map[string]*dag.NodeRevision
	dirs  map[string]*dirtree.Directory
}

func newFakeBase() *fakeBase {
	return &fakeBase{nodes: map[string]*dag.NodeRevision{}, dirs: map[string]*dirtree.Directory{}}
}

func (b *fakeBase) Load(i id.ID) (*dag.NodeRevision, error) {
	nr, ok := b.nodes[id.Unparse(i)]
	if !ok {
		return nil, ferrors.NewPath(ferrors.NotFound, id.Unparse(i))
	}
	return nr, nil
}

func (b *fakeBase) LoadDir(nr *dag.NodeRevision) (*dirtree.Directory, error) {
	d, ok := b.dirs[id.Unparse(nr.ID)]
	if !ok {
		return nil, ferrors.NewPath(ferrors.NotFound, id.Unparse(nr.ID))
	}
	return d, nil
}

func (b *fakeBase) OpenRaw(k rep.Key) (io.ReadCloser, error) {
	return nil, ferrors.New(ferrors.NotFound)
}

func (b *fakeBase) put(nr *dag.NodeRevision, d *dirtree.Directory) {
	b.nodes[id.Unparse(nr.ID)] = nr
	if d != nil {
		b.dirs[id.Unparse(nr.ID)] = d
	}
}

type fakeRoots struct {
	byRev map[int64]id.ID
}

func (r *fakeRoots) RootIDForRev(rev int64) (id.ID, error) {
	rootID, ok := r.byRev[rev]
	if !ok {
		return rootID, ferrors.NewPath(ferrors.NotFound, "root")
	}
	return rootID, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// openRepo lays down an empty revision 0 (the empty root directory) and
// returns the store, base loader, and root map a Pipeline call needs.
func openRepo(t *testing.T) (*revfile.Store, *fakeBase, *fakeRoots, id.ID) {
	t.Helper()
	root := t.TempDir()
	store, err := revfile.Open(root, revfile.Layout{}, testLogger())
	require.NoError(t, err)

	rootID := id.ID{NodeID: 0, CopyID: 0, Rev: 0, Offset: 0}
	rootNR := &dag.NodeRevision{ID: rootID, Kind: dag.KindDir}
	base := newFakeBase()
	base.put(rootNR, dirtree.New())

	roots := &fakeRoots{byRev: map[int64]id.ID{0: rootID}}
	return store, base, roots, rootID
}

func TestPipelineCommitsNewFile(t *testing.T) {
	store, base, roots, rootID := openRepo(t)

	tx, err := txn.Open(store.Root(), "t1", 0, rootID, base)
	require.NoError(t, err)

	rootNR, err := tx.Load(rootID)
	require.NoError(t, err)
	newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, "t1")
	require.NoError(t, err)
	tx.RootID = newRootID

	fileID, fileNR, err := dag.MakeFile(tx, "t1", "/hello.txt")
	require.NoError(t, err)
	require.NoError(t, tx.ApplyText(fileNR, []byte("hello world"), nil, testLogger()))

	rootDir, err := tx.LoadDir(newRootNR)
	require.NoError(t, err)
	require.NoError(t, dag.SetEntry(newRootNR, rootDir, "t1", "hello.txt", dirtree.KindFile, fileID))

	res, err := Pipeline(store, tx, base, roots, nil, nil, "", nil, testLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rev)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "/hello.txt", res.Changes[0].Path)
	assert.Equal(t, tree.ChangeAdd, res.Changes[0].Kind)

	youngest, err := store.ReadCurrent()
	require.NoError(t, err)
	assert.EqualValues(t, 1, youngest)
}

func TestPipelinePropConflictLeavesTxnValid(t *testing.T) {
	store, base, roots, rootID := openRepo(t)

	tx, err := txn.Open(store.Root(), "t2", 0, rootID, base)
	require.NoError(t, err)

	rootNR, err := tx.Load(rootID)
	require.NoError(t, err)
	newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, "t2")
	require.NoError(t, err)
	tx.RootID = newRootID

	// Simulate a concurrent writer having already bumped youngest to 1
	// with a root whose props differ from this transaction's base.
	committedRootID := id.ID{NodeID: 0, CopyID: 0, Rev: 1, Offset: 0}
	committedRootNR := &dag.NodeRevision{ID: committedRootID, Kind: dag.KindDir, PropRep: nil}
	base.put(committedRootNR, dirtree.New())
	roots.byRev[1] = committedRootID
	require.NoError(t, store.WriteCurrent(1))

	// Force a prop conflict: give the transaction's mutable root a
	// PropRep that differs from the ancestor's (nil).
	fakeKey := fakePropKey()
	newRootNR.PropRep = fakeKey

	_, err = Pipeline(store, tx, base, roots, nil, nil, "", nil, testLogger())
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.Conflict))

	// The transaction directory must still be usable: no retry should
	// have closed it out from under the caller.
	_, err = tx.Load(newRootID)
	require.NoError(t, err)
}

func TestPipelineRejectsWriteToLockedPathWithoutMatchingCredentials(t *testing.T) {
	store, base, roots, rootID := openRepo(t)
	locks := lock.Open(store.Root())
	_, err := locks.Lock("/locked.txt", "tok-good", "alice", "", false, time.Time{}, false)
	require.NoError(t, err)

	newTxn := func(id string) (*txn.Txn, *dag.NodeRevision) {
		tx, err := txn.Open(store.Root(), id, 0, rootID, base)
		require.NoError(t, err)
		rootNR, err := tx.Load(rootID)
		require.NoError(t, err)
		newRootID, newRootNR, err := dag.Clone(tx, rootNR, 0, false, id)
		require.NoError(t, err)
		tx.RootID = newRootID

		fileID, fileNR, err := dag.MakeFile(tx, id, "/locked.txt")
		require.NoError(t, err)
		require.NoError(t, tx.ApplyText(fileNR, []byte("new content"), nil, testLogger()))

		rootDir, err := tx.LoadDir(newRootNR)
		require.NoError(t, err)
		require.NoError(t, dag.SetEntry(newRootNR, rootDir, id, "locked.txt", dirtree.KindFile, fileID))
		return tx, newRootNR
	}

	tx, _ := newTxn("wrong-owner")
	_, err = Pipeline(store, tx, base, roots, nil, locks, "bob", map[string]bool{"tok-good": true}, testLogger())
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.LockOwnerMismatch))

	tx2, _ := newTxn("wrong-token")
	_, err = Pipeline(store, tx2, base, roots, nil, locks, "alice", map[string]bool{"tok-wrong": true}, testLogger())
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.BadLockToken))

	tx3, _ := newTxn("correct")
	res, err := Pipeline(store, tx3, base, roots, nil, locks, "alice", map[string]bool{"tok-good": true}, testLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rev)
}
