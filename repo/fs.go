// Package repo implements the top-level repository facade of spec §6.3:
// create/open/verify/pack/hotcopy/recover (there is no upgrade or delete
// operation), the format/UUID
// handshake, transaction lifecycle, and committed-state reads. It is the
// single struct everything else hangs off, mirroring the teacher's
// GitP4Transfer: one engine value holding its sub-collaborators (the
// revision-file store, the named caches, the rep-cache dedup table) as
// fields rather than as free-floating globals.
package repo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/cache"
	"github.com/rcowham/svnfs/commit"
	"github.com/rcowham/svnfs/config"
	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/lock"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/repcache"
	"github.com/rcowham/svnfs/revfile"
	"github.com/rcowham/svnfs/svndiff"
	"github.com/rcowham/svnfs/tree"
	"github.com/rcowham/svnfs/txn"
)

// Fs is an open repository handle.
type Fs struct {
	root   string
	format int
	uuid   string

	store    *revfile.Store
	caches   *cache.Caches
	repCache *repcache.Store
	locks    *lock.Store
	cfg      *config.Config
	logger   *logrus.Logger
}

// Locks returns the repository's digest-tree path lock store (spec
// §4.7), for lock/unlock/get-lock CLI commands and WebDAV-layer
// collaborators.
func (fs *Fs) Locks() *lock.Store { return fs.locks }

var _ commit.RootLoader = (*Fs)(nil)
var _ txn.BaseLoader = (*Fs)(nil)
var _ tree.Loader = (*Fs)(nil)

// Create initializes a brand-new repository at path: the format/UUID
// handshake files (supplemented feature 1), the on-disk skeleton
// directories, rep-cache.db, and a bootstrap revision 0 with an empty
// root directory.
func Create(path string, cfg *config.Config, logger *logrus.Logger) (*Fs, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	for _, dir := range []string{"revs", "revprops", "transactions", "locks"} {
		if err := os.MkdirAll(filepath.Join(path, dir), 0755); err != nil {
			return nil, err
		}
	}

	repoUUID := uuid.New().String()
	if err := writeFormat(path, cfg.Format, cfg.Sharded, cfg.ShardSize); err != nil {
		return nil, err
	}
	if err := writeUUID(path, repoUUID); err != nil {
		return nil, err
	}

	layout := revfile.Layout{Sharded: cfg.Sharded, ShardSize: cfg.ShardSize}
	store, err := revfile.Open(path, layout, logger)
	if err != nil {
		return nil, err
	}
	repCache, err := repcache.Open(filepath.Join(path, "rep-cache.db"), logger)
	if err != nil {
		return nil, err
	}

	fs := &Fs{
		root:     path,
		format:   cfg.Format,
		uuid:     repoUUID,
		store:    store,
		caches:   cache.New(toCacheConfig(cfg), logger),
		repCache: repCache,
		locks:    lock.Open(path),
		cfg:      cfg,
		logger:   logger,
	}
	if err := fs.bootstrapRevisionZero(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open binds an Fs to an existing repository at path, performing the
// format/UUID handshake: a malformed or too-new format file rejects the
// open outright (spec.md §4 item 1 / §7 `CorruptFormatFile`,
// `UnsupportedFormat`).
func Open(path string, logger *logrus.Logger) (*Fs, error) {
	if logger == nil {
		logger = logrus.New()
	}
	format, sharded, shardSize, err := readFormat(path)
	if err != nil {
		return nil, err
	}
	if format < config.MinFormat || format > config.MaxFormat {
		return nil, ferrors.NewPath(ferrors.UnsupportedFormat, strconv.Itoa(format))
	}
	repoUUID, err := readUUID(path)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if cfgPath := filepath.Join(path, "svnfs.yml"); fileExists(cfgPath) {
		cfg, err = config.LoadConfigFile(cfgPath)
		if err != nil {
			return nil, err
		}
	}
	cfg.Format = format
	cfg.Sharded = sharded
	cfg.ShardSize = shardSize

	layout := revfile.Layout{Sharded: sharded, ShardSize: shardSize}
	store, err := revfile.Open(path, layout, logger)
	if err != nil {
		return nil, err
	}
	repCache, err := repcache.Open(filepath.Join(path, "rep-cache.db"), logger)
	if err != nil {
		return nil, err
	}

	return &Fs{
		root:     path,
		format:   format,
		uuid:     repoUUID,
		store:    store,
		caches:   cache.New(toCacheConfig(cfg), logger),
		repCache: repCache,
		locks:    lock.Open(path),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

func toCacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		RevisionRootIDSize: cfg.Caches.RevisionRootIDSize,
		DagNodeSize:        cfg.Caches.DagNodeSize,
		DirEntriesSize:     cfg.Caches.DirEntriesSize,
		PackManifestSize:   cfg.Caches.PackManifestSize,
		FulltextSize:       cfg.Caches.FulltextSize,
		FailStop:           cfg.FailStop,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close releases the repository's open handles (currently just
// rep-cache.db; revfile.Store keeps no persistent handle open).
func (fs *Fs) Close() error {
	return fs.repCache.Close()
}

// Root returns the repository's root directory on disk.
func (fs *Fs) Root() string { return fs.root }

// UUID returns the repository's UUID.
func (fs *Fs) UUID() string { return fs.uuid }

// Format returns the repository's on-disk format number.
func (fs *Fs) Format() int { return fs.format }

// YoungestRev returns the most recently committed revision number.
func (fs *Fs) YoungestRev() (int64, error) {
	return fs.store.ReadCurrent()
}

// RevisionPropList returns every revision property set on rev.
func (fs *Fs) RevisionPropList(rev int64) (map[string]string, error) {
	data, err := fs.store.ReadRevprops(rev)
	if err != nil {
		return nil, err
	}
	return txn.DecodeProps(data)
}

// RevisionProp returns the single named revision property, or "" if
// unset.
func (fs *Fs) RevisionProp(rev int64, name string) (string, error) {
	props, err := fs.RevisionPropList(rev)
	if err != nil {
		return "", err
	}
	return props[name], nil
}

// ChangeRevProp sets (or, given an empty value, clears) a revision
// property on an already-committed revision (spec §6.3's
// change_rev_prop). Unlike every other mutation, this bypasses the txn/
// commit pipeline entirely: revprops are not versioned content, so
// there is nothing to merge.
func (fs *Fs) ChangeRevProp(rev int64, name, value string) error {
	props, err := fs.RevisionPropList(rev)
	if err != nil {
		return err
	}
	if value == "" {
		delete(props, name)
	} else {
		props[name] = value
	}
	return fs.store.WriteRevprops(rev, txn.EncodeProps(props))
}

// PathsChanged returns the changed-paths entries recorded for rev (spec
// §6.3's paths_changed), without replaying the commit that produced
// them.
func (fs *Fs) PathsChanged(rev int64) ([]txn.ChangedPathRecord, error) {
	data, err := fs.store.ReadChangedPaths(rev)
	if err != nil {
		return nil, err
	}
	return txn.ParseChangedPaths(data)
}

// RootIDForRev implements commit.RootLoader: the root directory's
// node_id/copy_id are always zero by convention (DESIGN.md decision 4);
// only the (rev, offset) locator varies, recovered from that revision's
// trailer.
func (fs *Fs) RootIDForRev(rev int64) (id.ID, error) {
	if rootID, ok := fs.caches.RevisionRootID(rev); ok {
		return rootID, nil
	}
	trailer, err := fs.store.ReadTrailer(rev)
	if err != nil {
		return id.ID{}, err
	}
	rootID := id.ID{NodeID: 0, CopyID: 0, Rev: rev, Offset: trailer.RootOffset}
	fs.caches.PutRevisionRootID(rev, rootID)
	return rootID, nil
}

// RevisionRoot returns the tree.Root describing revision rev's root
// directory.
func (fs *Fs) RevisionRoot(rev int64) (tree.Root, error) {
	rootID, err := fs.RootIDForRev(rev)
	if err != nil {
		return tree.Root{}, err
	}
	return tree.Root{Rev: rev, RootID: rootID}, nil
}

// OpenRaw implements rep.Source / txn.BaseLoader by delegating to the
// underlying revision store, so a Txn can read the current fulltext of a
// cloned node (for apply_textdelta) through the same BaseLoader it uses
// for Load/LoadDir.
func (fs *Fs) OpenRaw(k rep.Key) (io.ReadCloser, error) { return fs.store.OpenRaw(k) }

// Load implements dag.Store / tree.Loader / txn.BaseLoader for
// already-committed node-revisions: it parses the header record at i's
// (rev, offset) locator out of the revision file.
func (fs *Fs) Load(i id.ID) (*dag.NodeRevision, error) {
	if i.Txn != "" {
		return nil, ferrors.NewPath(ferrors.NotFound, id.Unparse(i))
	}
	r, err := fs.store.OpenRaw(rep.Key{Revision: i.Rev, Offset: i.Offset, Size: 1 << 62})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	nr, err := parseNodeHeader(r)
	if err != nil {
		return nil, err
	}
	nr.ID = i
	return nr, nil
}

// LoadDir implements tree.Loader / txn.BaseLoader: it reads and
// deserializes a directory node-revision's fulltext representation,
// consulting and populating the dir-entries cache.
func (fs *Fs) LoadDir(nr *dag.NodeRevision) (*dirtree.Directory, error) {
	if nr.Kind != dag.KindDir {
		return nil, ferrors.NewPath(ferrors.NotDirectory, nr.CreatedPath)
	}
	if d, ok := fs.caches.DirEntries(nr.ID); ok {
		return d, nil
	}
	if nr.TextRep == nil {
		return dirtree.New(), nil
	}
	reader, err := rep.NewReader(fs.store, *nr.TextRep, fs.logger)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	d, err := dirtree.Deserialize(bytes.NewReader(reader.Fulltext()))
	if err != nil {
		return nil, err
	}
	fs.caches.PutDirEntries(nr.ID, d)
	return d, nil
}

// Put, Delete, NextNodeID, and NextCopyID exist only so *Fs satisfies
// dag.Store (embedded in tree.Loader) for read-only path resolution
// against committed revision roots. They are never invoked: resolving a
// path under a revision root never mutates, and all real mutation goes
// through *txn.Txn instead.
func (fs *Fs) Put(nr *dag.NodeRevision) error     { return ferrors.New(ferrors.NotMutable) }
func (fs *Fs) Delete(i id.ID) error               { return ferrors.New(ferrors.NotMutable) }
func (fs *Fs) NextNodeID(txnID string) (uint64, error) { return 0, ferrors.New(ferrors.NotMutable) }
func (fs *Fs) NextCopyID(txnID string) (uint64, error) { return 0, ferrors.New(ferrors.NotMutable) }

// ReadFile resolves path against root and returns its reconstructed
// fulltext, consulting and populating the fulltext cache.
func (fs *Fs) ReadFile(root tree.Root, path string) ([]byte, error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return nil, err
	}
	if pp.Node == nil {
		return nil, ferrors.NewPath(ferrors.NotFound, path)
	}
	if pp.Node.Kind != dag.KindFile {
		return nil, ferrors.NewPath(ferrors.NotFile, path)
	}
	if pp.Node.TextRep == nil {
		return nil, nil
	}
	if data, ok := fs.caches.Fulltext(*pp.Node.TextRep); ok {
		return data, nil
	}
	reader, err := rep.NewReader(fs.store, *pp.Node.TextRep, fs.logger)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data := reader.Fulltext()
	fs.caches.PutFulltext(*pp.Node.TextRep, data)
	return data, nil
}

// CheckPath reports the kind of node at path in root, or dirtree.KindFile
// with ok=false if nothing exists there (spec §6.3's check_path).
func (fs *Fs) CheckPath(root tree.Root, path string) (kind dirtree.Kind, ok bool, err error) {
	pp, err := tree.Resolve(fs, root, path, true, fs.caches.NodeCache())
	if err != nil {
		return dirtree.KindFile, false, err
	}
	if pp.Node == nil {
		return dirtree.KindFile, false, nil
	}
	if pp.Node.Kind == dag.KindDir {
		return dirtree.KindDir, true, nil
	}
	return dirtree.KindFile, true, nil
}

// NodeID, NodeCreatedRev, and NodeCreatedPath expose the identity spec
// §6.3 reads off a resolved node-revision directly: its node_id (stable
// across every revision the node has existed in), the revision its
// current node-revision was created in, and the path it was created
// under (which may differ from the path it was resolved through, if it
// was later renamed or its parent was copied).
func (fs *Fs) NodeID(root tree.Root, path string) (id.ID, error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return id.ID{}, err
	}
	return pp.Node.ID, nil
}

func (fs *Fs) NodeCreatedRev(root tree.Root, path string) (int64, error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return 0, err
	}
	return pp.Node.ID.Rev, nil
}

func (fs *Fs) NodeCreatedPath(root tree.Root, path string) (string, error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return "", err
	}
	return pp.Node.CreatedPath, nil
}

// CopiedFrom returns the (from_rev, from_path) recorded on path's own
// node-revision in root (spec §6.3's copied_from), ok=false if that
// node-revision was not itself produced by a copy. Unlike ClosestCopy
// (package repo, history.go), this never walks the predecessor chain: a
// node only has copied_from information in the single revision its copy
// was committed in.
func (fs *Fs) CopiedFrom(root tree.Root, path string) (fromRev int64, fromPath string, ok bool, err error) {
	pp, err := tree.Resolve(fs, root, path, false, fs.caches.NodeCache())
	if err != nil {
		return 0, "", false, err
	}
	if pp.Node.Copy == nil {
		return 0, "", false, nil
	}
	return pp.Node.Copy.FromRev, pp.Node.Copy.FromPath, true, nil
}

// ContentsChanged reports whether path's file content differs between
// two roots (spec §6.3's contents_changed), comparing representation
// keys rather than reconstructing fulltext — the same cheap-equality
// shortcut package tree's propsEqual uses for property representations.
func (fs *Fs) ContentsChanged(rootA tree.Root, pathA string, rootB tree.Root, pathB string) (bool, error) {
	ppA, err := tree.Resolve(fs, rootA, pathA, false, fs.caches.NodeCache())
	if err != nil {
		return false, err
	}
	ppB, err := tree.Resolve(fs, rootB, pathB, false, fs.caches.NodeCache())
	if err != nil {
		return false, err
	}
	if ppA.Node.Kind != dag.KindFile || ppB.Node.Kind != dag.KindFile {
		return false, ferrors.NewPath(ferrors.NotFile, pathA)
	}
	return !repKeysEqual(ppA.Node.TextRep, ppB.Node.TextRep), nil
}

func repKeysEqual(a, b *rep.Key) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.MD5 == b.MD5
}

// FileDeltaStream returns an svndiff window stream transforming
// fromPath's content at fromRoot into toPath's content at toRoot (spec
// §6.3's get_file_delta_stream). An empty fromPath diffs against an
// empty source, matching the original API's convention of a NULL source
// root meaning "the empty string" rather than an error.
func (fs *Fs) FileDeltaStream(fromRoot tree.Root, fromPath string, toRoot tree.Root, toPath string) (io.Reader, error) {
	var base []byte
	if fromPath != "" {
		data, err := fs.ReadFile(fromRoot, fromPath)
		if err != nil {
			return nil, err
		}
		base = data
	}
	target, err := fs.ReadFile(toRoot, toPath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := svndiff.Encode(&buf, svndiff.Version1, base, target); err != nil {
		return nil, err
	}
	return &buf, nil
}

// BeginTxn allocates a new transaction rooted at baseRev, per spec
// §6.3's begin_txn. Transaction IDs are drawn from the repository-wide
// txn-current counter, guarded by its own flock file plus an
// in-process critical section implicit in holding that flock for the
// read-increment-write (spec §5).
func (fs *Fs) BeginTxn(baseRev int64) (*txn.Txn, error) {
	rootID, err := fs.RootIDForRev(baseRev)
	if err != nil {
		return nil, err
	}

	lock, err := fs.store.LockTxnCurrent()
	if err != nil {
		return nil, err
	}
	txnID, err := fs.store.NextTxnID()
	unlockErr := lock.Unlock()
	if err != nil {
		return nil, err
	}
	if unlockErr != nil {
		return nil, unlockErr
	}

	return txn.Open(fs.root, txnID, baseRev, rootID, fs)
}

// OpenTxn resumes an already-begun transaction by ID (spec §6.3's
// open_txn), assuming baseRev and rootID exactly as they were
// established by the original BeginTxn call.
func (fs *Fs) OpenTxn(txnID string, baseRev int64) (*txn.Txn, error) {
	rootID, err := fs.RootIDForRev(baseRev)
	if err != nil {
		return nil, err
	}
	return txn.Open(fs.root, txnID, baseRev, rootID, fs)
}

// ListTransactions returns the IDs of in-progress (not yet committed or
// purged) transactions.
func (fs *Fs) ListTransactions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, "transactions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".txn") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".txn"))
		}
	}
	return ids, nil
}

// PurgeTxn discards an aborted transaction's on-disk directory (spec
// §6.3's purge_txn). Committed transactions are never purged through
// this path: Commit already removes the directory implicitly via
// revfile.Store.Finalize's rename.
func (fs *Fs) PurgeTxn(txnID string) error {
	return os.RemoveAll(filepath.Join(fs.root, "transactions", txnID+".txn"))
}

// Commit runs the nine-step commit pipeline against t (spec §4.6), using
// the repository's rep-cache for SHA1 dedup and its path-lock store to
// enforce spec §4.7's lock-ownership check: the commit is rejected with
// LockOwnerMismatch/BadLockToken if it touches a path locked by someone
// other than username, or whose token is not in lockTokens.
func (fs *Fs) Commit(t *txn.Txn, username string, lockTokens map[string]bool) (commit.Result, error) {
	return commit.Pipeline(fs.store, t, fs, fs, fs.repCache, fs.locks, username, lockTokens, fs.logger)
}

// writeFormat atomically writes the two-line format file (supplemented
// feature 1): the format number, then an optional "layout sharded N"
// line when sharding is enabled.
func writeFormat(root string, format int, sharded bool, shardSize int64) error {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d\n", format)
	if sharded {
		fmt.Fprintf(&buf, "layout sharded %d\n", shardSize)
	}
	return atomicWriteFile(filepath.Join(root, "format"), buf.String())
}

// readFormat parses the format file written by writeFormat, rejecting a
// malformed file with CorruptFormatFile.
func readFormat(root string) (format int, sharded bool, shardSize int64, err error) {
	path := filepath.Join(root, "format")
	f, oerr := os.Open(path)
	if oerr != nil {
		return 0, false, 0, ferrors.Wrap(ferrors.CorruptFormatFile, path, oerr)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false, 0, ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	format, perr := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if perr != nil {
		return 0, false, 0, ferrors.Wrap(ferrors.CorruptFormatFile, path, perr)
	}
	if sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 3 && fields[0] == "layout" && fields[1] == "sharded" {
			size, serr := strconv.ParseInt(fields[2], 10, 64)
			if serr != nil {
				return 0, false, 0, ferrors.Wrap(ferrors.CorruptFormatFile, path, serr)
			}
			sharded, shardSize = true, size
		} else {
			return 0, false, 0, ferrors.NewPath(ferrors.CorruptFormatFile, path)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, false, 0, ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	return format, sharded, shardSize, nil
}

func writeUUID(root, repoUUID string) error {
	return atomicWriteFile(filepath.Join(root, "uuid"), repoUUID+"\n")
}

func readUUID(root string) (string, error) {
	path := filepath.Join(root, "uuid")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	v := strings.TrimSpace(string(data))
	if _, perr := uuid.Parse(v); perr != nil {
		return "", ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	return v, nil
}

func atomicWriteFile(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
