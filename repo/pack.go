package repo

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/alitto/pond"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
)

// Pack collapses every not-yet-packed shard below upToRev into its
// revs/<shard>.pack/{pack,manifest} pair and bumps min-unpacked-rev
// (spec §4.2, glossary "Pack"). Shards are packed concurrently through a
// bounded worker pool, grounded on the teacher's pond.New(size, 0,
// pond.MinWorkers(10)) fan-out pattern; the repository write lock is
// held for the whole operation since a commit racing a pack could
// observe a shard mid-rewrite.
func (fs *Fs) Pack(upToRev int64) error {
	layout := fs.store.LayoutConfig()
	if !layout.Sharded || layout.ShardSize <= 0 {
		return nil
	}

	lock, err := fs.store.LockWrite()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	fromShard := fs.store.MinUnpackedRev() / layout.ShardSize
	toShard := upToRev / layout.ShardSize

	pool := pond.New(runtime.NumCPU(), 0, pond.MinWorkers(2))
	var mu sync.Mutex
	var firstErr error
	for shard := fromShard; shard < toShard; shard++ {
		shard := shard
		pool.Submit(func() {
			if err := fs.store.Pack(shard); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	if firstErr != nil {
		return firstErr
	}

	return fs.store.WriteMinUnpackedRev(toShard * layout.ShardSize)
}

// Verify checks every revision in [fromRev, toRev] for structural
// integrity: its trailer parses, its root resolves, and every
// representation it reaches reconstructs and checksums cleanly (spec
// §8's round-trip property, "reading R's fulltext twice yields
// identical bytes and a matching MD5"). Revisions are verified
// concurrently via the same bounded pool Pack uses.
func (fs *Fs) Verify(fromRev, toRev int64) error {
	pool := pond.New(runtime.NumCPU(), 0, pond.MinWorkers(2))
	var mu sync.Mutex
	var firstErr error
	for rev := fromRev; rev <= toRev; rev++ {
		rev := rev
		pool.Submit(func() {
			if err := fs.verifyRevision(rev); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	return firstErr
}

func (fs *Fs) verifyRevision(rev int64) error {
	rootID, err := fs.RootIDForRev(rev)
	if err != nil {
		return err
	}
	rootNR, err := fs.Load(rootID)
	if err != nil {
		return err
	}
	return fs.verifyNode(rootNR, map[id.ID]bool{})
}

func (fs *Fs) verifyNode(nr *dag.NodeRevision, seen map[id.ID]bool) error {
	if seen[nr.ID] {
		return nil
	}
	seen[nr.ID] = true

	if nr.TextRep != nil {
		if err := fs.verifyRep(*nr.TextRep); err != nil {
			return err
		}
	}
	if nr.PropRep != nil {
		if err := fs.verifyRep(*nr.PropRep); err != nil {
			return err
		}
	}
	if nr.Kind != dag.KindDir {
		return nil
	}
	dir, err := fs.LoadDir(nr)
	if err != nil {
		return err
	}
	for _, e := range dir.Entries() {
		childNR, err := fs.Load(e.ID)
		if err != nil {
			return err
		}
		if err := fs.verifyNode(childNR, seen); err != nil {
			return err
		}
	}
	return nil
}

func (fs *Fs) verifyRep(k rep.Key) error {
	r, err := rep.NewReader(fs.store, k, fs.logger)
	if err != nil {
		return err
	}
	return r.Close()
}

// Hotcopy copies the repository's on-disk files to destPath, suitable
// for backup while the source repository remains open for reads (spec
// §6.3's hotcopy). It never copies write-lock/txn-current-lock/
// transactions/ — an in-flight writer's state is not meant to survive
// the copy.
func (fs *Fs) Hotcopy(destPath string) error {
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return err
	}
	return filepath.Walk(fs.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(fs.root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if first, _, _ := splitFirst(rel); first == "transactions" || first == "write-lock" || first == "txn-current-lock" {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		dest := filepath.Join(destPath, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, info.Mode())
		}
		return copyFile(path, dest, info.Mode())
	})
}

func splitFirst(rel string) (first, rest string, ok bool) {
	for i := 0; i < len(rel); i++ {
		if rel[i] == filepath.Separator {
			return rel[:i], rel[i+1:], true
		}
	}
	return rel, "", false
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Chmod(mode)
}

// Recover scans revs/ (or, for a sharded+packed layout, the pack
// manifests) for the true youngest committed revision and rewrites
// `current` if it lags (SPEC_FULL.md §4 item 2): the crash window where
// a commit's rename succeeded but the current-bump did not.
func (fs *Fs) Recover() (int64, error) {
	layout := fs.store.LayoutConfig()
	var maxRev int64 = -1

	revsDir := filepath.Join(fs.root, "revs")
	entries, err := os.ReadDir(revsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if !layout.Sharded {
			if rev, ok := parseRevName(name); ok && rev > maxRev {
				maxRev = rev
			}
			continue
		}
		if !e.IsDir() {
			continue
		}
		if shard, ok := parsePackShardName(name); ok {
			if top := shard*layout.ShardSize + layout.ShardSize - 1; top > maxRev {
				maxRev = top
			}
			continue
		}
		inner, err := os.ReadDir(filepath.Join(revsDir, name))
		if err != nil {
			continue
		}
		for _, ie := range inner {
			if rev, ok := parseRevName(ie.Name()); ok && rev > maxRev {
				maxRev = rev
			}
		}
	}

	if maxRev < 0 {
		return 0, nil
	}
	youngest, err := fs.store.ReadCurrent()
	if err != nil {
		return 0, err
	}
	if maxRev <= youngest {
		return youngest, nil
	}
	if err := fs.store.WriteCurrent(maxRev); err != nil {
		return 0, err
	}
	fs.logger.Warnf("repo: recover advanced current from r%d to r%d", youngest, maxRev)
	return maxRev, nil
}

func parsePackShardName(name string) (int64, bool) {
	shardStr, ok := strings.CutSuffix(name, ".pack")
	if !ok {
		return 0, false
	}
	return parseRevName(shardStr)
}

func parseRevName(name string) (int64, bool) {
	var rev int64
	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		rev = rev*10 + int64(c-'0')
		n++
	}
	if n == 0 {
		return 0, false
	}
	return rev, true
}
