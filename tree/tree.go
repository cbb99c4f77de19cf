// Package tree implements path resolution into parent-path chains and the
// three-way directory merge that reconciles a transaction against the
// youngest revision at commit time (spec §4.5). ParentPath is a singly
// linked chain — root to leaf — rather than a shared mutable graph, per
// spec.md §9's note that the Go port should avoid aliased graph nodes.
package tree

import (
	"strings"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
)

// Loader is the read seam tree needs: dag.Store's node-revision access,
// plus directory-fulltext loading (rep.Reader wired to dirtree.Deserialize
// by package txn/repo).
type Loader interface {
	dag.Store
	LoadDir(nr *dag.NodeRevision) (*dirtree.Directory, error)
}

// Root identifies the starting point of a path resolution: either an
// immutable revision root or a mutable transaction root.
type Root struct {
	Rev    int64 // -1 if this is a transaction root
	TxnID  string
	RootID id.ID
}

func (r Root) IsTxn() bool { return r.TxnID != "" }

// ParentPath is one link in the root-to-leaf chain path resolution
// builds: the node found at this step, the entry name it was found
// under, the copy-inherit hint a subsequent clone should use, and the
// link to its parent (nil at the root).
type ParentPath struct {
	Node        *dag.NodeRevision
	Entry       string
	CopyInherit dag.CopyInheritHint
	Parent      *ParentPath
}

// Path reconstructs the slash-separated path this chain resolved.
func (p *ParentPath) Path() string {
	if p == nil {
		return ""
	}
	var parts []string
	for cur := p; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append([]string{cur.Entry}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// NodeCache memoizes path -> ParentPath lookups for immutable revision
// roots (package cache supplies the concrete LRU; transaction roots must
// not be cached per spec §4.5, so callers pass nil for those).
type NodeCache interface {
	Get(rev int64, path string) (*ParentPath, bool)
	Put(rev int64, path string, pp *ParentPath)
}

// Resolve walks path component by component from root, returning the
// parent-path chain. If the final component is absent and lastOptional is
// set, the chain's leaf Node is nil instead of failing.
func Resolve(loader Loader, root Root, path string, lastOptional bool, cache NodeCache) (*ParentPath, error) {
	clean := strings.Trim(path, "/")
	if !root.IsTxn() && cache != nil {
		if pp, ok := cache.Get(root.Rev, clean); ok {
			return pp, nil
		}
	}

	rootNR, err := loader.Load(root.RootID)
	if err != nil {
		return nil, err
	}
	chain := &ParentPath{Node: rootNR}
	if clean == "" {
		return chain, nil
	}

	components := strings.Split(clean, "/")
	for i, comp := range components {
		if comp == "" || comp == "." || comp == ".." {
			return nil, ferrors.NewPath(ferrors.PathSyntax, path)
		}
		if chain.Node == nil {
			return nil, ferrors.NewPath(ferrors.NotFound, path)
		}
		if chain.Node.Kind != dag.KindDir {
			return nil, ferrors.NewPath(ferrors.NotDirectory, path)
		}
		dir, err := loader.LoadDir(chain.Node)
		if err != nil {
			return nil, err
		}
		entry, ok := dir.Get(comp)
		last := i == len(components)-1
		if !ok {
			if last && lastOptional {
				chain = &ParentPath{Node: nil, Entry: comp, Parent: chain}
				break
			}
			return nil, ferrors.NewPath(ferrors.NotFound, path)
		}
		childNR, err := loader.Load(entry.ID)
		if err != nil {
			return nil, err
		}
		hint := dag.ChooseCopyID(childNR, chain.Node.ID.CopyID, childNR.CreatedPath == joinPath(chain, comp))
		chain = &ParentPath{Node: childNR, Entry: comp, CopyInherit: hint, Parent: chain}
	}

	if !root.IsTxn() && cache != nil {
		cache.Put(root.Rev, clean, chain)
	}
	return chain, nil
}

func joinPath(parent *ParentPath, name string) string {
	return strings.TrimSuffix(parent.Path(), "/") + "/" + name
}

// ChangeKind classifies one entry's disposition after a merge, used to
// build the commit's changed-paths journal (spec §4.6, §3.5).
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeModify
	ChangeDelete
)

// ChangedPath is one entry of the merge's effect on target, relative to
// the merge's path prefix.
type ChangedPath struct {
	Path string
	Kind ChangeKind
}

// Merge reconciles target (a mutable directory in txnID) against source
// (typically the youngest revision's root) using ancestor as the common
// base, per the classification table of spec §4.5. targetDir is the
// in-memory directory listing tree/txn is already holding mutable for
// this transaction; Merge mutates it in place and returns the resulting
// changed-paths entries (relative to pathPrefix) for the caller to
// journal.
func Merge(loader Loader, ancestor, source, target *dag.NodeRevision, targetDir *dirtree.Directory, txnID, pathPrefix string) ([]ChangedPath, error) {
	if !propsEqual(target.PropRep, ancestor.PropRep) {
		return nil, ferrors.NewPath(ferrors.Conflict, pathPrefix)
	}

	var ancestorDir, sourceDir *dirtree.Directory
	var err error
	if ancestor != nil {
		ancestorDir, err = loader.LoadDir(ancestor)
		if err != nil {
			return nil, err
		}
	}
	if source != nil {
		sourceDir, err = loader.LoadDir(source)
		if err != nil {
			return nil, err
		}
	}

	names := map[string]bool{}
	if ancestorDir != nil {
		for _, n := range ancestorDir.SortedNames() {
			names[n] = true
		}
	}
	if sourceDir != nil {
		for _, n := range sourceDir.SortedNames() {
			names[n] = true
		}
	}

	var changes []ChangedPath
	for name := range names {
		childPath := strings.TrimSuffix(pathPrefix, "/") + "/" + name
		var aEntry, sEntry, tEntry dirtree.Entry
		var aOk, sOk, tOk bool
		if ancestorDir != nil {
			aEntry, aOk = ancestorDir.Get(name)
		}
		if sourceDir != nil {
			sEntry, sOk = sourceDir.Get(name)
		}
		tEntry, tOk = targetDir.Get(name)

		switch {
		case aOk && sOk && id.Eq(aEntry.ID, sEntry.ID):
			// Unchanged in source: leave target alone.

		case aOk && sOk && !id.Eq(aEntry.ID, sEntry.ID):
			switch {
			case tOk && id.Eq(tEntry.ID, aEntry.ID):
				if err := targetDir.Set(name, sEntry.Kind, sEntry.ID); err != nil {
					return nil, err
				}
				changes = append(changes, ChangedPath{Path: childPath, Kind: ChangeModify})
			case tOk && !id.Eq(tEntry.ID, aEntry.ID):
				if sEntry.Kind == dirtree.KindDir && tEntry.Kind == dirtree.KindDir && aEntry.Kind == dirtree.KindDir {
					mergedID, sub, err := mergeSubdir(loader, aEntry.ID, sEntry.ID, tEntry.ID, txnID, childPath)
					if err != nil {
						return nil, err
					}
					if err := targetDir.Set(name, dirtree.KindDir, mergedID); err != nil {
						return nil, err
					}
					changes = append(changes, sub...)
				} else {
					return nil, ferrors.NewPath(ferrors.Conflict, childPath)
				}
			default:
				return nil, ferrors.NewPath(ferrors.Conflict, childPath)
			}

		case aOk && !sOk:
			if tOk && id.Eq(tEntry.ID, aEntry.ID) {
				targetDir.Remove(name)
				changes = append(changes, ChangedPath{Path: childPath, Kind: ChangeDelete})
			} else if !tOk {
				// Deleted on both sides: nothing to do.
			} else {
				return nil, ferrors.NewPath(ferrors.Conflict, childPath)
			}

		case !aOk && sOk:
			if !tOk {
				if err := targetDir.Set(name, sEntry.Kind, sEntry.ID); err != nil {
					return nil, err
				}
				changes = append(changes, ChangedPath{Path: childPath, Kind: ChangeAdd})
			} else if id.Eq(tEntry.ID, sEntry.ID) {
				// Already present identically.
			} else if id.Related(tEntry.ID, sEntry.ID) {
				if err := targetDir.Set(name, sEntry.Kind, sEntry.ID); err != nil {
					return nil, err
				}
				changes = append(changes, ChangedPath{Path: childPath, Kind: ChangeModify})
			} else {
				return nil, ferrors.NewPath(ferrors.Conflict, childPath)
			}
		}
	}

	return changes, nil
}

// mergeSubdir clones target's child directory into txnID (so it can be
// mutated), recurses the three-way merge into it, and returns the clone's
// new ID plus the changed-paths it produced.
func mergeSubdir(loader Loader, ancestorID, sourceID, targetID id.ID, txnID, path string) (id.ID, []ChangedPath, error) {
	ancestorNR, err := loader.Load(ancestorID)
	if err != nil {
		return id.ID{}, nil, err
	}
	sourceNR, err := loader.Load(sourceID)
	if err != nil {
		return id.ID{}, nil, err
	}
	targetNR, err := loader.Load(targetID)
	if err != nil {
		return id.ID{}, nil, err
	}

	newID, newNR, err := dag.Clone(loader, targetNR, targetNR.ID.CopyID, false, txnID)
	if err != nil {
		return id.ID{}, nil, err
	}
	targetDir, err := loader.LoadDir(newNR)
	if err != nil {
		return id.ID{}, nil, err
	}

	changes, err := Merge(loader, ancestorNR, sourceNR, newNR, targetDir, txnID, path)
	if err != nil {
		return id.ID{}, nil, err
	}
	return newID, changes, nil
}

func propsEqual(a, b *rep.Key) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.SHA1 == b.SHA1
}
