// Package commit implements the nine-step commit pipeline of spec §4.6:
// write-lock, read youngest, merge, serialize leaves-first, append
// changed-paths and trailer, rename, revprops, bump current, unlock —
// retrying from step 2 if another writer's rename raced ahead.
//
// The retry-around-a-single-exported-function shape mirrors the
// teacher's main(): drain a channel of work, do the thing, loop.
package commit

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/lock"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/revfile"
	"github.com/rcowham/svnfs/tree"
	"github.com/rcowham/svnfs/txn"
)

// MaxRetries bounds the step-2..6 retry loop spec §4.6 describes for the
// case where another writer's rename installed youngest+1 first.
const MaxRetries = 10

// RootLoader resolves a committed revision's root node-revision ID. The
// root directory's node_id/copy_id are always zero by convention; only
// the (rev, offset) locator varies, recovered from that revision's
// trailer.
type RootLoader interface {
	RootIDForRev(rev int64) (id.ID, error)
}

// Dedup is the optional SHA1 dedup lookup (package repcache) consulted
// while writing representations during commit.
type Dedup = rep.DedupLookup

// Result describes a successful commit.
type Result struct {
	Rev     int64
	Changes []tree.ChangedPath
}

// Pipeline runs the commit of t against store, using base to resolve
// already-committed node-revisions/directories and roots to map a
// revision number to its root ID. It owns the repository write lock for
// its duration. locks is the repository's path-lock store; username and
// lockTokens are the committing session's credentials, checked against
// every changed path that carries a lock (spec §4.7's last sentence: a
// write touching a locked path fails LockOwnerMismatch/BadLockToken
// unless the session is the lock's owner and presents its token). locks
// may be nil, which skips lock enforcement entirely (used by tests that
// have no lock store of their own).
func Pipeline(store *revfile.Store, t *txn.Txn, base txn.BaseLoader, roots RootLoader, dedup Dedup, locks *lock.Store, username string, lockTokens map[string]bool, logger *logrus.Logger) (Result, error) {
	wlock, err := store.LockWrite()
	if err != nil {
		return Result{}, err
	}
	defer wlock.Unlock()

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		res, err := attemptCommit(store, t, base, roots, dedup, locks, username, lockTokens, logger)
		if err == nil {
			return res, nil
		}
		if !ferrors.Is(err, ferrors.TxnOutOfDate) {
			return Result{}, err
		}
		lastErr = err
		logger.Warnf("commit: retrying after race (attempt %d): %v", attempt+1, err)
	}
	return Result{}, lastErr
}

// verifyLocks rejects the commit with LockOwnerMismatch/BadLockToken if
// any changed path carries a lock the committing session does not own
// or whose token it did not present.
func verifyLocks(locks *lock.Store, changes []tree.ChangedPath, username string, lockTokens map[string]bool) error {
	if locks == nil {
		return nil
	}
	for _, c := range changes {
		l, err := locks.Get(c.Path)
		if err != nil {
			if ferrors.Is(err, ferrors.NoSuchLock) {
				continue
			}
			return err
		}
		if err := lock.Verify(l, username, lockTokens); err != nil {
			return err
		}
	}
	return nil
}

func attemptCommit(store *revfile.Store, t *txn.Txn, base txn.BaseLoader, roots RootLoader, dedup Dedup, locks *lock.Store, username string, lockTokens map[string]bool, logger *logrus.Logger) (Result, error) {
	if err := store.Reload(); err != nil {
		return Result{}, err
	}
	youngest, err := store.ReadCurrent()
	if err != nil {
		return Result{}, err
	}

	ancestorRootID, err := roots.RootIDForRev(t.BaseRev)
	if err != nil {
		return Result{}, err
	}
	ancestorNR, err := base.Load(ancestorRootID)
	if err != nil {
		return Result{}, err
	}

	sourceRootID, err := roots.RootIDForRev(youngest)
	if err != nil {
		return Result{}, err
	}
	sourceNR, err := base.Load(sourceRootID)
	if err != nil {
		return Result{}, err
	}

	rootNR, err := t.Load(t.RootID)
	if err != nil {
		return Result{}, err
	}
	if !rootNR.IsMutable(t.ID) {
		newRootID, newRootNR, cerr := dag.Clone(t, rootNR, rootNR.ID.CopyID, false, t.ID)
		if cerr != nil {
			return Result{}, cerr
		}
		t.RootID = newRootID
		rootNR = newRootNR
	}
	targetDir, err := t.LoadDir(rootNR)
	if err != nil {
		return Result{}, err
	}

	changes, err := tree.Merge(t, ancestorNR, sourceNR, rootNR, targetDir, t.ID, "")
	if err != nil {
		// Conflict (or any other merge failure) leaves the transaction
		// valid for the caller to edit further, per spec §4.6.
		return Result{}, err
	}
	if err := verifyLocks(locks, changes, username, lockTokens); err != nil {
		// Same treatment as a merge conflict: reject the commit, leave
		// the transaction untouched.
		return Result{}, err
	}
	for _, c := range changes {
		if jerr := t.Journal().WriteChange(rootNR.ID, toAction(c.Kind), false, false, c.Path, nil); jerr != nil {
			return Result{}, jerr
		}
	}
	t.BaseRev = youngest

	rev := youngest + 1

	// A copy's copyroot is the revision it is itself committed in; dag.Copy
	// cannot know that number yet, so finalize it here before serializing.
	for _, nr := range t.WorkingNodes() {
		if nr.Copy != nil && nr.Copy.RootRev == -1 {
			nr.Copy.RootRev = rev
		}
	}

	s := &serializer{store: store, proto: t.Proto(), txn: t, dedup: dedup, logger: logger, rev: rev}
	finalRootID, err := s.serialize(rootNR)
	if err != nil {
		return Result{}, err
	}

	changesOffset, err := appendChangedPaths(t)
	if err != nil {
		return Result{}, err
	}
	var trailer bytes.Buffer
	if err := revfile.WriteTrailer(&trailer, revfile.Trailer{
		RootOffset:         finalRootID.Offset,
		ChangedPathsOffset: changesOffset,
	}); err != nil {
		return Result{}, err
	}
	if _, err := t.Proto().Append(trailer.Bytes()); err != nil {
		return Result{}, err
	}

	protoPath := t.Proto().Path()
	if err := t.Close(); err != nil {
		return Result{}, err
	}
	if err := store.Finalize(protoPath, rev); err != nil {
		return Result{}, ferrors.Wrap(ferrors.TxnOutOfDate, protoPath, err)
	}

	if err := store.WriteRevprops(rev, txn.EncodeProps(t.Props)); err != nil {
		return Result{}, err
	}
	if err := store.WriteCurrent(rev); err != nil {
		return Result{}, err
	}

	logger.Infof("commit: installed r%d (%d changed paths)", rev, len(changes))
	return Result{Rev: rev, Changes: changes}, nil
}

func toAction(k tree.ChangeKind) txn.Action {
	switch k {
	case tree.ChangeAdd:
		return txn.ActionAdd
	case tree.ChangeDelete:
		return txn.ActionDelete
	default:
		return txn.ActionModify
	}
}

// appendChangedPaths copies the transaction's journal file into the
// proto-revision file (spec §4.6 step 5) and returns the byte offset it
// starts at.
func appendChangedPaths(t *txn.Txn) (int64, error) {
	if err := t.Journal().Close(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(fmt.Sprintf("%s/changes", t.Dir()))
	if err != nil {
		return 0, err
	}
	offset, err := t.Proto().Append(data)
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// serializer walks the transaction's mutable node-revisions leaves-first,
// rewriting each one's ID from a txn: locator to a rev:/offset locator as
// it is written (spec §4.6 step 4).
type serializer struct {
	store  *revfile.Store
	proto  *revfile.ProtoWriter
	txn    *txn.Txn
	dedup  rep.DedupLookup
	logger *logrus.Logger
	rev    int64
	remap  map[string]id.ID
}

func (s *serializer) serialize(nr *dag.NodeRevision) (id.ID, error) {
	if !nr.IsMutable(s.txn.ID) {
		return nr.ID, nil
	}
	if s.remap == nil {
		s.remap = map[string]id.ID{}
	}
	key := id.Unparse(nr.ID)
	if already, ok := s.remap[key]; ok {
		return already, nil
	}

	if nr.Kind == dag.KindDir {
		dir, err := s.txn.LoadDir(nr)
		if err != nil {
			return id.ID{}, err
		}
		for _, e := range dir.Entries() {
			childNR, err := s.txn.Load(e.ID)
			if err != nil {
				return id.ID{}, err
			}
			newChildID, err := s.serialize(childNR)
			if err != nil {
				return id.ID{}, err
			}
			if !id.Eq(newChildID, e.ID) {
				if err := dir.Set(e.Name, e.Kind, newChildID); err != nil {
					return id.ID{}, err
				}
			}
		}

		var buf bytes.Buffer
		if err := dir.Serialize(&buf); err != nil {
			return id.ID{}, err
		}
		w := rep.NewWriter(s.proto, s.dedup, true, s.logger)
		if _, err := w.Write(buf.Bytes()); err != nil {
			return id.ID{}, err
		}
		res, err := w.Close(nil)
		if err != nil {
			return id.ID{}, err
		}
		if !res.Reused {
			res.Key.Revision = s.rev
		}
		nr.TextRep = &res.Key
	}

	headerOffset, err := s.writeHeader(nr)
	if err != nil {
		return id.ID{}, err
	}

	newID := id.ID{NodeID: nr.ID.NodeID, CopyID: nr.ID.CopyID, Rev: s.rev, Offset: headerOffset}
	s.remap[key] = newID
	return newID, nil
}

// writeHeader appends a node-revision header record per spec §6.2 and
// returns the byte offset it starts at (which becomes the committed
// ID's Offset).
func (s *serializer) writeHeader(nr *dag.NodeRevision) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "type: %s\n", kindString(nr.Kind))
	if nr.PredecessorID != nil {
		fmt.Fprintf(&buf, "pred: %s\n", id.Unparse(*nr.PredecessorID))
	}
	fmt.Fprintf(&buf, "count: %d\n", nr.PredecessorCount)
	if nr.TextRep != nil {
		fmt.Fprintf(&buf, "text: %s\n", repLocator(*nr.TextRep))
	}
	if nr.PropRep != nil {
		fmt.Fprintf(&buf, "props: %s\n", repLocator(*nr.PropRep))
	}
	fmt.Fprintf(&buf, "cpath: %s\n", nr.CreatedPath)
	if nr.Copy != nil {
		fmt.Fprintf(&buf, "copyfrom: %d %s\n", nr.Copy.FromRev, nr.Copy.FromPath)
		fmt.Fprintf(&buf, "copyroot: %d %s\n", nr.Copy.RootRev, nr.Copy.RootPath)
	}
	buf.WriteString("\n")
	return s.proto.Append(buf.Bytes())
}

func kindString(k dag.Kind) string {
	if k == dag.KindDir {
		return "dir"
	}
	return "file"
}

func repLocator(k rep.Key) string {
	sha := k.SHA1
	if sha == "" {
		return fmt.Sprintf("%d %d %d %d %s", k.Revision, k.Offset, k.Size, k.ExpandedSize, k.MD5)
	}
	return fmt.Sprintf("%d %d %d %d %s %s", k.Revision, k.Offset, k.Size, k.ExpandedSize, k.MD5, sha)
}
