package txn

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/svndiff"
)

type fakeBase struct {
	nodes map[string]*dag.NodeRevision
	dirs  map[string]*dirtree.Directory
	raws  map[string][]byte // keyed by rep.Key.String(), plain-record bytes for OpenRaw
}

func newFakeBase() *fakeBase {
	return &fakeBase{
		nodes: map[string]*dag.NodeRevision{},
		dirs:  map[string]*dirtree.Directory{},
		raws:  map[string][]byte{},
	}
}

// putRaw registers fulltext as the PLAIN representation fakeBase.OpenRaw
// serves for key, letting tests exercise reads (e.g. ApplyTextDelta's
// base fetch) without a real revfile.Store.
func (b *fakeBase) putRaw(key rep.Key, fulltext []byte) {
	b.raws[key.String()] = []byte("PLAIN\n" + string(fulltext) + "\nENDREP\n")
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
	data, ok := b.raws[k.String()]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestOpenCreatesTxnDirAndNextIDsDefaults(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	rootID := id.ID{NodeID: 1, Rev: 4, Offset: 0}

	tx, err := Open(root, "k9", 4, rootID, base)
	require.NoError(t, err)
	defer tx.Close()

	_, err = os.Stat(tx.Dir())
	require.NoError(t, err)

	newID, _, err := dag.MakeFile(tx, "k9", "/trunk/new.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), newID.NodeID)
}

func TestPutSeedsEmptyDirectoryForNewNode(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k1", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx.Close()

	_, dirNR, err := dag.MakeDir(tx, "k1", "/trunk")
	require.NoError(t, err)

	dir, err := tx.LoadDir(dirNR)
	require.NoError(t, err)
	assert.Equal(t, 0, dir.Len())
}

func TestPutClonesPredecessorDirectoryContents(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	committed := &dag.NodeRevision{ID: id.ID{NodeID: 5, Rev: 3, Offset: 1}, Kind: dag.KindDir}
	committedDir := dirtree.New()
	require.NoError(t, committedDir.Set("iota.c", dirtree.KindFile, id.ID{NodeID: 6, Rev: 3, Offset: 2}))
	base.nodes[id.Unparse(committed.ID)] = committed
	base.dirs[id.Unparse(committed.ID)] = committedDir

	tx, err := Open(root, "k2", 3, committed.ID, base)
	require.NoError(t, err)
	defer tx.Close()

	newID, newNR, err := dag.Clone(tx, committed, 0, false, "k2")
	require.NoError(t, err)
	assert.NotEqual(t, committed.ID, newID)

	clonedDir, err := tx.LoadDir(newNR)
	require.NoError(t, err)
	_, ok := clonedDir.Get("iota.c")
	assert.True(t, ok)

	// Mutating the clone must not affect the committed original.
	clonedDir.Remove("iota.c")
	_, ok = committedDir.Get("iota.c")
	assert.True(t, ok)
}

func TestJournalWriteChangeRoundTrip(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k3", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)

	nodeID := id.ID{NodeID: 2, Txn: "k3", Rev: -1, Offset: -1}
	require.NoError(t, tx.Journal().WriteChange(nodeID, ActionAdd, true, false, "/trunk/new.txt", nil))
	require.NoError(t, tx.Close())

	data := mustReadFile(t, filepath.Join(tx.Dir(), "changes"))
	assert.Contains(t, data, "add true false /trunk/new.txt")
}

func TestJournalWriteChangeWithCopyFrom(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k4", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)

	nodeID := id.ID{NodeID: 2, Txn: "k4", Rev: -1, Offset: -1}
	require.NoError(t, tx.Journal().WriteChange(nodeID, ActionAdd, true, false, "/branches/b/f.txt",
		&CopyFrom{Rev: 4, Path: "/trunk/f.txt"}))
	require.NoError(t, tx.Close())

	data := mustReadFile(t, filepath.Join(tx.Dir(), "changes"))
	assert.Contains(t, data, "4 /trunk/f.txt")
}

func TestPropsPersistAcrossReopen(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k5", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	tx.SetProp("svn:log", "hello world")
	require.NoError(t, tx.FlushProps())
	require.NoError(t, tx.Close())

	tx2, err := Open(root, "k5", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx2.Close()
	assert.Equal(t, "hello world", tx2.Props["svn:log"])
}

func TestNextIDsPersistAcrossReopen(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k6", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	_, _, err = dag.MakeFile(tx, "k6", "/a")
	require.NoError(t, err)
	_, _, err = dag.MakeFile(tx, "k6", "/b")
	require.NoError(t, err)
	require.NoError(t, tx.Close())

	tx2, err := Open(root, "k6", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx2.Close()
	newID, _, err := dag.MakeFile(tx2, "k6", "/c")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), newID.NodeID)
}

func TestApplyTextWritesRepAndRejectsImmutable(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k7", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx.Close()

	newID, newNR, err := dag.MakeFile(tx, "k7", "/readme.txt")
	require.NoError(t, err)
	require.NoError(t, tx.ApplyText(newNR, []byte("hello world"), nil, nil))

	got, err := tx.Load(newID)
	require.NoError(t, err)
	require.NotNil(t, got.TextRep)
	assert.EqualValues(t, len("hello world"), got.TextRep.ExpandedSize)

	committed := &dag.NodeRevision{ID: id.ID{NodeID: 9, Rev: 1, Offset: 1}, Kind: dag.KindFile}
	assert.Error(t, tx.ApplyText(committed, []byte("nope"), nil, nil))
}

func md5Hex(p []byte) string {
	sum := md5.Sum(p)
	return hex.EncodeToString(sum[:])
}

func TestApplyTextDeltaAgainstEmptyBase(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k8", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx.Close()

	newID, newNR, err := dag.MakeFile(tx, "k8", "/readme.txt")
	require.NoError(t, err)

	target := []byte("hello world")
	var windows bytes.Buffer
	require.NoError(t, svndiff.Encode(&windows, svndiff.Version0, nil, target))

	require.NoError(t, tx.ApplyTextDelta(newNR, "", bytes.NewReader(windows.Bytes()), md5Hex(target), nil, nil))

	got, err := tx.Load(newID)
	require.NoError(t, err)
	require.NotNil(t, got.TextRep)
	assert.EqualValues(t, len(target), got.TextRep.ExpandedSize)
}

func TestApplyTextDeltaAgainstExistingBaseAndRejectsBadChecksum(t *testing.T) {
	root := t.TempDir()
	base := newFakeBase()
	tx, err := Open(root, "k9", 1, id.ID{NodeID: 1, Rev: 1}, base)
	require.NoError(t, err)
	defer tx.Close()

	current := []byte("hello world")
	baseKey := rep.Key{Revision: 1, Offset: 0, Size: 64}
	base.putRaw(baseKey, current)

	nr := &dag.NodeRevision{
		ID:      id.ID{NodeID: 5, CopyID: 0, Txn: "k9", Rev: -1, Offset: -1},
		Kind:    dag.KindFile,
		TextRep: &baseKey,
	}
	require.NoError(t, tx.Put(nr))

	target := []byte("hello world, expanded")
	var windows bytes.Buffer
	require.NoError(t, svndiff.Encode(&windows, svndiff.Version0, current, target))

	err = tx.ApplyTextDelta(nr, md5Hex(current), bytes.NewReader(windows.Bytes()), "deadbeef", nil, nil)
	assert.Error(t, err)

	require.NoError(t, tx.ApplyTextDelta(nr, md5Hex(current), bytes.NewReader(windows.Bytes()), md5Hex(target), nil, nil))
	reloaded, err := tx.Load(nr.ID)
	require.NoError(t, err)
	assert.EqualValues(t, len(target), reloaded.TextRep.ExpandedSize)
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
