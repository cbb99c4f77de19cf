// Package dag implements node-revision records and the bubble-up cloning,
// copy-id inheritance, and subtree-delete operations of spec §4.4. It
// flattens what the original engine expressed as a C vtable (dag.h) into
// plain Go methods over a single NodeRevision type, distinguished by Kind.
package dag

import (
	"strings"

	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
)

// Kind distinguishes a node-revision's target type.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// CopyInfo records where a node-revision's content was copied from, and
// the root of that copy (spec §4.4.4).
type CopyInfo struct {
	FromRev  int64
	FromPath string
	RootRev  int64
	RootPath string
}

// NodeRevision is the persisted record for one snapshot of one node:
// files carry a text representation, directories a fulltext
// representation of their dirtree.Directory listing; both may carry a
// property representation.
type NodeRevision struct {
	ID    id.ID
	Kind  Kind

	PredecessorID    *id.ID
	PredecessorCount int

	CreatedPath string
	Copy        *CopyInfo // non-nil iff this node-revision was produced by Copy

	TextRep *rep.Key // file content, or the serialized directory listing
	PropRep *rep.Key // properties, nil if none set
}

// IsMutable reports whether nr belongs to txnID (spec §4.4.1).
func (nr *NodeRevision) IsMutable(txnID string) bool {
	return nr.ID.Txn != "" && nr.ID.Txn == txnID
}

// Store is the persistence seam dag needs: loading existing
// node-revisions, writing mutable ones into a transaction's index, and
// allocating the monotonic node-id/copy-id counters a transaction tracks
// (the teacher's journal.NextIDs counterpart, spec §4 item 3).
type Store interface {
	Load(i id.ID) (*NodeRevision, error)
	Put(nr *NodeRevision) error
	Delete(i id.ID) error
	NextNodeID(txnID string) (uint64, error)
	NextCopyID(txnID string) (uint64, error)
}

// CopyInheritHint is the decision dag.ChooseCopyID reaches for one
// cloning step (spec §4.4.3).
type CopyInheritHint int

const (
	InheritSelf CopyInheritHint = iota
	InheritParent
	InheritNew
)

// ChooseCopyID implements the §4.4.3 table: given the child being cloned
// and the (already mutable) parent it is being cloned under, decide which
// copy_id the clone should carry. accessedViaOriginalPath is true when the
// caller resolved child through the same created_path its copyroot
// recorded (the "copyroot(C) descends from C itself" condition).
func ChooseCopyID(child *NodeRevision, parentCopyID uint64, accessedViaOriginalPath bool) CopyInheritHint {
	switch {
	case child.ID.Txn != "":
		return InheritSelf
	case child.ID.CopyID == 0:
		return InheritParent
	case child.ID.CopyID == parentCopyID:
		return InheritParent
	case child.Copy != nil && accessedViaOriginalPath:
		return InheritSelf
	default:
		return InheritNew
	}
}

// Clone materializes a mutable copy of child under txnID, per spec
// §4.4.2: same node_id, predecessor_id = child's old ID, predecessor_count
// incremented, copy_id chosen per ChooseCopyID. It does not touch the
// parent's directory entry; callers (package tree) rewrite that entry to
// point at the returned ID.
func Clone(store Store, child *NodeRevision, parentCopyID uint64, accessedViaOriginalPath bool, txnID string) (id.ID, *NodeRevision, error) {
	if child.ID.Txn == txnID {
		// Already mutable in this transaction: nothing to clone.
		return child.ID, child, nil
	}

	hint := ChooseCopyID(child, parentCopyID, accessedViaOriginalPath)
	copyID := child.ID.CopyID
	switch hint {
	case InheritParent:
		copyID = parentCopyID
	case InheritNew:
		fresh, err := store.NextCopyID(txnID)
		if err != nil {
			return id.ID{}, nil, err
		}
		copyID = fresh
	}

	oldID := child.ID
	newID := id.ID{NodeID: child.ID.NodeID, CopyID: copyID, Txn: txnID, Rev: -1, Offset: -1}

	clone := &NodeRevision{
		ID:               newID,
		Kind:             child.Kind,
		PredecessorID:    &oldID,
		PredecessorCount: child.PredecessorCount + 1,
		CreatedPath:      child.CreatedPath,
		Copy:             child.Copy,
		TextRep:          child.TextRep,
		PropRep:          child.PropRep,
	}
	if err := store.Put(clone); err != nil {
		return id.ID{}, nil, err
	}
	return newID, clone, nil
}

// MakeFile allocates a brand-new mutable file node-revision under txnID.
func MakeFile(store Store, txnID, createdPath string) (id.ID, *NodeRevision, error) {
	return makeNode(store, txnID, createdPath, KindFile)
}

// MakeDir allocates a brand-new mutable directory node-revision under
// txnID. Its TextRep is left nil; the caller writes an empty
// dirtree.Directory's fulltext and sets TextRep once that representation
// exists (dag has no rep.Sink of its own).
func MakeDir(store Store, txnID, createdPath string) (id.ID, *NodeRevision, error) {
	return makeNode(store, txnID, createdPath, KindDir)
}

func makeNode(store Store, txnID, createdPath string, kind Kind) (id.ID, *NodeRevision, error) {
	nodeID, err := store.NextNodeID(txnID)
	if err != nil {
		return id.ID{}, nil, err
	}
	nr := &NodeRevision{
		ID:          id.ID{NodeID: nodeID, CopyID: 0, Txn: txnID, Rev: -1, Offset: -1},
		Kind:        kind,
		CreatedPath: createdPath,
	}
	if err := store.Put(nr); err != nil {
		return id.ID{}, nil, err
	}
	return nr.ID, nr, nil
}

// Copy records a §4.4.4 copy onto an already-cloned, already-mutable
// parent directory node-revision: it allocates a fresh copy_id for
// fromID's node_id, creates a successor node-revision carrying fromID's
// existing text/property representations forward untouched, records the
// (from_rev, from_path) and copyroot bookkeeping on that successor, and
// installs it — not fromID itself — under name in parentDir. No node
// beneath fromID is read or rewritten, so this is O(1) regardless of
// subtree size. RootRev is left at -1; the commit pipeline fills it in
// once the transaction's revision number is known, since a copy's own
// copyroot is the revision it is committed in.
func Copy(store Store, parentDir *dirtree.Directory, name string, kind dirtree.Kind, fromID id.ID, fromRev int64, fromPath string, dir *NodeRevision, txnID string) error {
	if !dir.IsMutable(txnID) {
		return ferrors.NewPath(ferrors.NotMutable, dir.CreatedPath)
	}
	fromNR, err := store.Load(fromID)
	if err != nil {
		return err
	}
	copyID, err := store.NextCopyID(txnID)
	if err != nil {
		return err
	}
	newID := id.ID{NodeID: fromID.NodeID, CopyID: copyID, Txn: txnID, Rev: -1, Offset: -1}
	copyNR := &NodeRevision{
		ID:               newID,
		Kind:             fromNR.Kind,
		PredecessorID:    &fromID,
		PredecessorCount: fromNR.PredecessorCount + 1,
		CreatedPath:      strings.TrimSuffix(dir.CreatedPath, "/") + "/" + name,
		Copy: &CopyInfo{
			FromRev:  fromRev,
			FromPath: fromPath,
			RootRev:  -1,
		},
		TextRep: fromNR.TextRep,
		PropRep: fromNR.PropRep,
	}
	copyNR.Copy.RootPath = copyNR.CreatedPath
	if err := store.Put(copyNR); err != nil {
		return err
	}
	return parentDir.Set(name, kind, newID)
}

// RevisionLink installs fromID directly under name in the mutable
// parentDir, with no new node-revision and no copyfrom/copyroot
// bookkeeping (spec §4.4.4's "revision-link": a copy whose from_root is
// itself a mutable transaction root, permitted only when the caller
// passed preserve_history=false). Unlike Copy, fromID's node-revision is
// shared verbatim rather than succeeded — there is no historical copy
// event to record, since both sides of the link live in the same
// transaction.
func RevisionLink(parentDir *dirtree.Directory, name string, kind dirtree.Kind, fromID id.ID, dir *NodeRevision, txnID string) error {
	if !dir.IsMutable(txnID) {
		return ferrors.NewPath(ferrors.NotMutable, dir.CreatedPath)
	}
	return parentDir.Set(name, kind, fromID)
}

// SetEntry installs (or replaces) name -> childID in the mutable
// directory dirNR/dir (spec §4.4.5).
func SetEntry(dirNR *NodeRevision, dir *dirtree.Directory, txnID, name string, kind dirtree.Kind, childID id.ID) error {
	if dirNR.Kind != KindDir {
		return ferrors.NewPath(ferrors.NotDirectory, dirNR.CreatedPath)
	}
	if !dirNR.IsMutable(txnID) {
		return ferrors.NewPath(ferrors.NotMutable, dirNR.CreatedPath)
	}
	return dir.Set(name, kind, childID)
}

// DeleteEntry removes name from the mutable directory dirNR/dir.
func DeleteEntry(dirNR *NodeRevision, dir *dirtree.Directory, txnID, name string) error {
	if dirNR.Kind != KindDir {
		return ferrors.NewPath(ferrors.NotDirectory, dirNR.CreatedPath)
	}
	if !dirNR.IsMutable(txnID) {
		return ferrors.NewPath(ferrors.NotMutable, dirNR.CreatedPath)
	}
	dir.Remove(name)
	return nil
}

// DirLoader reads the fulltext representation of a directory
// node-revision and deserializes it (package tree supplies the concrete
// implementation, wiring rep.Reader to dirtree.Deserialize).
type DirLoader func(nr *NodeRevision) (*dirtree.Directory, error)

// DeleteTree removes every reachable mutable node-revision under root
// from store, per spec §4.4.6. Immutable subtrees are never passed here:
// the caller is expected to simply drop the parent's directory entry for
// them (an O(1) operation dag does not need to know about).
func DeleteTree(store Store, root *NodeRevision, txnID string, loadDir DirLoader) error {
	if !root.IsMutable(txnID) {
		return nil
	}
	if root.Kind == KindDir {
		dir, err := loadDir(root)
		if err != nil {
			return err
		}
		for _, e := range dir.Entries() {
			child, err := store.Load(e.ID)
			if err != nil {
				return err
			}
			if err := DeleteTree(store, child, txnID, loadDir); err != nil {
				return err
			}
		}
	}
	return store.Delete(root.ID)
}
