// Package id implements node-revision identifiers (spec §3.1, §4.1).
//
// A node-revision ID is the tuple (node_id, copy_id, locator) where the
// locator pins one snapshot of the node: either a not-yet-committed
// transaction ("txn:<txn-id>") or a committed revision-and-offset
// ("rev:<rev-number>,<byte-offset>"). The textual form is three base-36
// components separated by '.': the first two are node_id and copy_id, the
// third encodes the locator as "t<txn-id>" or "r<rev>/<offset>" (rev and
// offset themselves base-36).
package id

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcowham/svnfs/ferrors"
)

const base = 36

// ID identifies one snapshot of one logically persistent node.
type ID struct {
	NodeID uint64
	CopyID uint64

	// Exactly one of (Txn != "") or (Rev >= 0) holds.
	Txn    string // transaction id, set iff this ID is mutable
	Rev    int64  // committed revision number, -1 if mutable
	Offset int64  // byte offset into that revision's file, -1 if mutable
}

// Mutable reports whether the ID's locator is a transaction (not yet
// committed), i.e. is_mutable per §4.4.1 evaluated against the ID alone.
func (i ID) Mutable() bool { return i.Txn != "" }

// Unparse renders the ID in its canonical three-component base-36 form.
func Unparse(i ID) string {
	locator := ""
	switch {
	case i.Txn != "":
		locator = "t" + i.Txn
	case i.Rev >= 0:
		locator = fmt.Sprintf("r%s/%s",
			strconv.FormatInt(i.Rev, base), strconv.FormatInt(i.Offset, base))
	default:
		// An ID with no Txn and a negative Rev has no valid locator. That
		// is a programmer error, but Unparse must not panic: it renders
		// the locator as "r0/0" instead.
		locator = "r0/0"
	}
	return fmt.Sprintf("%s.%s.%s",
		strconv.FormatUint(i.NodeID, base), strconv.FormatUint(i.CopyID, base), locator)
}

// Parse reconstructs an ID from its textual form, rejecting anything that
// does not match the three-component base-36 grammar.
func Parse(text string) (ID, error) {
	parts := strings.SplitN(text, ".", 3)
	if len(parts) != 3 {
		return ID{}, ferrors.NewPath(ferrors.CorruptNodeRevisionID, text)
	}
	nodeID, err := strconv.ParseUint(parts[0], base, 64)
	if err != nil {
		return ID{}, ferrors.Wrap(ferrors.CorruptNodeRevisionID, text, err)
	}
	copyID, err := strconv.ParseUint(parts[1], base, 64)
	if err != nil {
		return ID{}, ferrors.Wrap(ferrors.CorruptNodeRevisionID, text, err)
	}
	loc := parts[2]
	switch {
	case strings.HasPrefix(loc, "t"):
		txnID := loc[1:]
		if txnID == "" {
			return ID{}, ferrors.NewPath(ferrors.CorruptNodeRevisionID, text)
		}
		return ID{NodeID: nodeID, CopyID: copyID, Txn: txnID, Rev: -1, Offset: -1}, nil
	case strings.HasPrefix(loc, "r"):
		rest := loc[1:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return ID{}, ferrors.NewPath(ferrors.CorruptNodeRevisionID, text)
		}
		rev, err := strconv.ParseInt(rest[:slash], base, 64)
		if err != nil {
			return ID{}, ferrors.Wrap(ferrors.CorruptNodeRevisionID, text, err)
		}
		off, err := strconv.ParseInt(rest[slash+1:], base, 64)
		if err != nil {
			return ID{}, ferrors.Wrap(ferrors.CorruptNodeRevisionID, text, err)
		}
		if rev < 0 || off < 0 {
			return ID{}, ferrors.NewPath(ferrors.CorruptNodeRevisionID, text)
		}
		return ID{NodeID: nodeID, CopyID: copyID, Rev: rev, Offset: off}, nil
	default:
		return ID{}, ferrors.NewPath(ferrors.CorruptNodeRevisionID, text)
	}
}

// Eq reports whether a and b are the identical snapshot: all three
// components match.
func Eq(a, b ID) bool {
	return a.NodeID == b.NodeID && a.CopyID == b.CopyID && sameLocator(a, b)
}

func sameLocator(a, b ID) bool {
	if a.Txn != "" || b.Txn != "" {
		return a.Txn == b.Txn
	}
	return a.Rev == b.Rev && a.Offset == b.Offset
}

// Related reports whether a and b are snapshots of the same logical node
// (same node_id), regardless of copy_id or locator.
func Related(a, b ID) bool { return a.NodeID == b.NodeID }

// Compare returns 0 if a and b are equal, 1 if merely related, -1 if
// unrelated.
func Compare(a, b ID) int {
	switch {
	case Eq(a, b):
		return 0
	case Related(a, b):
		return 1
	default:
		return -1
	}
}

func (i ID) String() string { return Unparse(i) }
