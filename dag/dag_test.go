package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/id"
)

type memStore struct {
	nodes    map[string]*NodeRevision
	nextNode uint64
	nextCopy uint64
}

func newMemStore() *memStore {
	return &memStore{nodes: map[string]*NodeRevision{}, nextNode: 1, nextCopy: 1}
}

func (m *memStore) Load(i id.ID) (*NodeRevision, error) {
	nr, ok := m.nodes[id.Unparse(i)]
	if !ok {
		return nil, assertNotFound{i}
	}
	return nr, nil
}

type assertNotFound struct{ i id.ID }

func (e assertNotFound) Error() string { return "not found: " + id.Unparse(e.i) }

func (m *memStore) Put(nr *NodeRevision) error {
	m.nodes[id.Unparse(nr.ID)] = nr
	return nil
}

func (m *memStore) Delete(i id.ID) error {
	delete(m.nodes, id.Unparse(i))
	return nil
}

func (m *memStore) NextNodeID(txnID string) (uint64, error) {
	v := m.nextNode
	m.nextNode++
	return v, nil
}

func (m *memStore) NextCopyID(txnID string) (uint64, error) {
	v := m.nextCopy
	m.nextCopy++
	return v, nil
}

func TestMakeFileAndDir(t *testing.T) {
	s := newMemStore()
	fileID, fileNR, err := MakeFile(s, "t1", "/trunk/iota.c")
	require.NoError(t, err)
	assert.Equal(t, KindFile, fileNR.Kind)
	assert.True(t, fileNR.IsMutable("t1"))
	assert.Equal(t, "t1", fileID.Txn)

	dirID, dirNR, err := MakeDir(s, "t1", "/trunk")
	require.NoError(t, err)
	assert.Equal(t, KindDir, dirNR.Kind)
	assert.NotEqual(t, fileID.NodeID, dirID.NodeID)
}

func TestCloneAlreadyMutableIsNoOp(t *testing.T) {
	s := newMemStore()
	_, nr, err := MakeFile(s, "t1", "/trunk/iota.c")
	require.NoError(t, err)

	gotID, gotNR, err := Clone(s, nr, 0, false, "t1")
	require.NoError(t, err)
	assert.Equal(t, nr.ID, gotID)
	assert.Same(t, nr, gotNR)
}

func TestCloneInheritsParentCopyIDWhenUnbranched(t *testing.T) {
	s := newMemStore()
	committed := &NodeRevision{ID: id.ID{NodeID: 5, CopyID: 0, Rev: 3, Offset: 10}, Kind: KindFile}
	require.NoError(t, s.Put(committed))

	newID, newNR, err := Clone(s, committed, 7, false, "t2")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), newID.CopyID)
	assert.Equal(t, uint64(5), newID.NodeID)
	assert.Equal(t, "t2", newID.Txn)
	require.NotNil(t, newNR.PredecessorID)
	assert.Equal(t, committed.ID, *newNR.PredecessorID)
	assert.Equal(t, 1, newNR.PredecessorCount)
}

func TestCloneAllocatesFreshCopyIDWhenBranched(t *testing.T) {
	s := newMemStore()
	committed := &NodeRevision{
		ID:   id.ID{NodeID: 5, CopyID: 9, Rev: 3, Offset: 10},
		Kind: KindFile,
		Copy: &CopyInfo{FromRev: 2, FromPath: "/branches/b/iota.c"},
	}
	require.NoError(t, s.Put(committed))

	newID, _, err := Clone(s, committed, 7, false, "t2")
	require.NoError(t, err)
	assert.NotEqual(t, uint64(9), newID.CopyID)
	assert.NotEqual(t, uint64(7), newID.CopyID)
}

func TestCloneKeepsSelfWhenAccessedViaOriginalPath(t *testing.T) {
	s := newMemStore()
	committed := &NodeRevision{
		ID:   id.ID{NodeID: 5, CopyID: 9, Rev: 3, Offset: 10},
		Kind: KindFile,
		Copy: &CopyInfo{FromRev: 2, FromPath: "/branches/b/iota.c"},
	}
	require.NoError(t, s.Put(committed))

	newID, _, err := Clone(s, committed, 7, true, "t2")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), newID.CopyID)
}

func TestSetEntryRequiresMutableDirectory(t *testing.T) {
	immutable := &NodeRevision{ID: id.ID{NodeID: 1, Rev: 4, Offset: 0}, Kind: KindDir}
	dir := dirtree.New()
	err := SetEntry(immutable, dir, "t1", "foo", dirtree.KindFile, id.ID{NodeID: 2, Txn: "t1", Rev: -1, Offset: -1})
	require.Error(t, err)
}

func TestSetAndDeleteEntry(t *testing.T) {
	dirNR := &NodeRevision{ID: id.ID{NodeID: 1, Txn: "t1", Rev: -1, Offset: -1}, Kind: KindDir}
	dir := dirtree.New()
	childID := id.ID{NodeID: 2, Txn: "t1", Rev: -1, Offset: -1}
	require.NoError(t, SetEntry(dirNR, dir, "t1", "foo", dirtree.KindFile, childID))

	e, ok := dir.Get("foo")
	require.True(t, ok)
	assert.Equal(t, childID, e.ID)

	require.NoError(t, DeleteEntry(dirNR, dir, "t1", "foo"))
	_, ok = dir.Get("foo")
	assert.False(t, ok)
}

func TestCopyCreatesSuccessorWithCopyInfo(t *testing.T) {
	s := newMemStore()
	srcID, srcNR, err := MakeFile(s, "t0", "/trunk/a.txt")
	require.NoError(t, err)
	srcNR.ID = id.ID{NodeID: srcID.NodeID, CopyID: 0, Rev: 1, Offset: 5}
	require.NoError(t, s.Put(srcNR))

	parentDirNR := &NodeRevision{
		ID:          id.ID{NodeID: 9, Txn: "t1", Rev: -1, Offset: -1},
		Kind:        KindDir,
		CreatedPath: "/branches/b1",
	}
	parentDir := dirtree.New()

	err = Copy(s, parentDir, "a.txt", dirtree.KindFile, srcNR.ID, 1, "/trunk/a.txt", parentDirNR, "t1")
	require.NoError(t, err)

	entry, ok := parentDir.Get("a.txt")
	require.True(t, ok)
	assert.NotEqual(t, srcNR.ID, entry.ID)
	assert.Equal(t, srcNR.ID.NodeID, entry.ID.NodeID)
	assert.Equal(t, "t1", entry.ID.Txn)

	copyNR, err := s.Load(entry.ID)
	require.NoError(t, err)
	require.NotNil(t, copyNR.Copy)
	assert.EqualValues(t, 1, copyNR.Copy.FromRev)
	assert.Equal(t, "/trunk/a.txt", copyNR.Copy.FromPath)
	assert.Equal(t, "/branches/b1/a.txt", copyNR.CreatedPath)
	assert.Equal(t, copyNR.CreatedPath, copyNR.Copy.RootPath)
	assert.EqualValues(t, -1, copyNR.Copy.RootRev)
	assert.Equal(t, srcNR.TextRep, copyNR.TextRep)
	require.NotNil(t, copyNR.PredecessorID)
	assert.Equal(t, srcNR.ID, *copyNR.PredecessorID)
}

func TestRevisionLinkInstallsSourceIDWithoutCopyInfo(t *testing.T) {
	s := newMemStore()
	srcID, _, err := MakeFile(s, "t1", "/trunk/a.txt")
	require.NoError(t, err)

	parentDirNR := &NodeRevision{ID: id.ID{NodeID: 9, Txn: "t1", Rev: -1, Offset: -1}, Kind: KindDir, CreatedPath: "/trunk"}
	parentDir := dirtree.New()

	require.NoError(t, RevisionLink(parentDir, "b.txt", dirtree.KindFile, srcID, parentDirNR, "t1"))

	entry, ok := parentDir.Get("b.txt")
	require.True(t, ok)
	assert.Equal(t, srcID, entry.ID)
}

func TestDeleteTreeRemovesMutableSubtree(t *testing.T) {
	s := newMemStore()
	_, fileNR, err := MakeFile(s, "t1", "/trunk/iota.c")
	require.NoError(t, err)
	_, dirNR, err := MakeDir(s, "t1", "/trunk")
	require.NoError(t, err)

	dir := dirtree.New()
	require.NoError(t, dir.Set("iota.c", dirtree.KindFile, fileNR.ID))

	loader := func(nr *NodeRevision) (*dirtree.Directory, error) {
		if nr.ID == dirNR.ID {
			return dir, nil
		}
		return nil, assertNotFound{nr.ID}
	}

	require.NoError(t, DeleteTree(s, dirNR, "t1", loader))
	_, err = s.Load(fileNR.ID)
	require.Error(t, err)
	_, err = s.Load(dirNR.ID)
	require.Error(t, err)
}

func TestDeleteTreeSkipsImmutableRoot(t *testing.T) {
	s := newMemStore()
	committed := &NodeRevision{ID: id.ID{NodeID: 1, Rev: 4, Offset: 0}, Kind: KindDir}
	require.NoError(t, s.Put(committed))

	err := DeleteTree(s, committed, "t1", func(nr *NodeRevision) (*dirtree.Directory, error) {
		t.Fatal("loadDir should not be called for an immutable root")
		return nil, nil
	})
	require.NoError(t, err)
	_, err = s.Load(committed.ID)
	require.NoError(t, err)
}
