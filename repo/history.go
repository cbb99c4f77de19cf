package repo

import (
	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/tree"
)

// History walks a node's predecessor chain backwards through revisions
// (spec §6.3's history_prev/history_location), per SPEC_FULL.md §4 item
// 4: grounded on the MVCC-style versioned-store iterator shape, it
// yields (path, revision) pairs one step at a time rather than building
// the whole chain up front, so a caller that only wants the first few
// revisions a path existed in never pays for walking its entire history.
type History struct {
	fs          *Fs
	crossCopies bool

	cur  *dag.NodeRevision
	done bool
}

// NewHistory starts a history walk at path as it exists in root.
func NewHistory(fs *Fs, root tree.Root, path string, crossCopies bool) (*History, error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return nil, err
	}
	return &History{fs: fs, crossCopies: crossCopies, cur: pp.Node}, nil
}

// Prev advances to the node-revision's predecessor, returning the path
// and revision it was created at. ok is false once the chain is
// exhausted (the node's first revision has no predecessor). When the
// walk is not configured to cross copies, it stops at the node-revision
// whose Copy field is set rather than following FromPath across the
// rename/branch boundary.
func (h *History) Prev() (path string, rev int64, ok bool, err error) {
	if h.done || h.cur == nil {
		return "", 0, false, nil
	}

	path, rev = h.cur.CreatedPath, h.cur.ID.Rev

	if h.cur.Copy != nil && !h.crossCopies {
		h.done = true
		return path, rev, true, nil
	}

	if h.cur.PredecessorID == nil {
		h.done = true
		return path, rev, true, nil
	}

	predID := *h.cur.PredecessorID
	predNR, lerr := h.fs.Load(predID)
	if lerr != nil {
		return "", 0, false, lerr
	}
	h.cur = predNR
	return path, rev, true, nil
}

// HistoryLocation reports the (path, revision) a node-revision ID was
// created at, without walking further (spec §6.3's history_location).
func HistoryLocation(fs *Fs, nodeID id.ID) (path string, rev int64, err error) {
	nr, err := fs.Load(nodeID)
	if err != nil {
		return "", 0, err
	}
	return nr.CreatedPath, nr.ID.Rev, nil
}

// ClosestCopy walks path's predecessor chain in root, always crossing
// copies, and reports the destination (revision root and path) of the
// nearest ancestor node-revision that was itself produced by Copy (spec
// §6.3's closest_copy) along with the CopyInfo recorded on it. ok is
// false if no node-revision in the chain was ever copied — path has
// existed at its current location since its node was first created.
func ClosestCopy(fs *Fs, root tree.Root, path string) (copyRoot tree.Root, copyPath string, info *dag.CopyInfo, ok bool, err error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return tree.Root{}, "", nil, false, err
	}

	cur := pp.Node
	curPath := path
	for {
		if cur.Copy != nil {
			copyRoot, err = fs.RevisionRoot(cur.ID.Rev)
			if err != nil {
				return tree.Root{}, "", nil, false, err
			}
			return copyRoot, curPath, cur.Copy, true, nil
		}
		if cur.PredecessorID == nil {
			return tree.Root{}, "", nil, false, nil
		}
		predNR, lerr := fs.Load(*cur.PredecessorID)
		if lerr != nil {
			return tree.Root{}, "", nil, false, lerr
		}
		curPath = predNR.CreatedPath
		cur = predNR
	}
}
