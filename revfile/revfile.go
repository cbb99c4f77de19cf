// Package revfile implements revision-file I/O (spec §4.2): the linear and
// sharded on-disk layouts, the packed-shard compaction, (rev, offset)
// random access, and the min-unpacked-rev boundary between the two.
package revfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/rep"
)

// Layout is the persisted format choice between one-file-per-revision and
// shard-bucketed directories (spec §4.2).
type Layout struct {
	Sharded   bool
	ShardSize int64 // meaningful iff Sharded
}

func (l Layout) shardOf(rev int64) int64 {
	if !l.Sharded || l.ShardSize <= 0 {
		return 0
	}
	return rev / l.ShardSize
}

// Store is a repository's revision-file store: paths, the pack manifest
// cache, and the min-unpacked-rev boundary.
type Store struct {
	root   string
	layout Layout
	logger *logrus.Logger

	mu             sync.RWMutex
	minUnpackedRev int64
	manifests      map[int64][]int64 // shard -> per-rev byte offsets into the pack file
}

// Open binds a Store to an existing repository root, reading the current
// min-unpacked-rev (0 if the file is absent, meaning "nothing packed").
func Open(root string, layout Layout, logger *logrus.Logger) (*Store, error) {
	s := &Store{root: root, layout: layout, logger: logger, manifests: map[int64][]int64{}}
	if err := s.reloadMinUnpackedRev(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reloadMinUnpackedRev() error {
	p := filepath.Join(s.root, "min-unpacked-rev")
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		s.minUnpackedRev = 0
		return nil
	}
	if err != nil {
		return ferrors.Wrap(ferrors.CorruptFormatFile, p, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return ferrors.Wrap(ferrors.CorruptFormatFile, p, err)
	}
	s.minUnpackedRev = v
	return nil
}

// MinUnpackedRev returns the cached lower bound below which all revisions
// are packed. Callers that need a fresh value under a shared lock should
// call Reload first.
func (s *Store) MinUnpackedRev() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minUnpackedRev
}

// Reload re-reads min-unpacked-rev; readers are expected to do this while
// holding the repository's shared lock (spec §4.2).
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadMinUnpackedRev()
}

// revPath returns the on-disk path of an unpacked revision's file.
func (s *Store) revPath(rev int64) string {
	if !s.layout.Sharded {
		return filepath.Join(s.root, "revs", strconv.FormatInt(rev, 10))
	}
	shard := s.layout.shardOf(rev)
	return filepath.Join(s.root, "revs", strconv.FormatInt(shard, 10), strconv.FormatInt(rev, 10))
}

func (s *Store) revpropsPath(rev int64) string {
	return filepath.Join(s.root, "revprops", strconv.FormatInt(rev, 10))
}

func (s *Store) packDir(shard int64) string {
	return filepath.Join(s.root, "revs", strconv.FormatInt(shard, 10)+".pack")
}

func (s *Store) packFile(shard int64) string     { return filepath.Join(s.packDir(shard), "pack") }
func (s *Store) manifestFile(shard int64) string { return filepath.Join(s.packDir(shard), "manifest") }

// isPacked reports whether rev currently lives inside a packed shard.
func (s *Store) isPacked(rev int64) bool {
	return s.layout.Sharded && rev < s.MinUnpackedRev()
}

// OpenRaw implements rep.Source: it returns exactly k.Size raw bytes
// starting at k.Offset, translating through the pack manifest when the
// revision is packed, and through the proto-revision file when k.TxnID is
// set (the representation has not been committed yet).
func (s *Store) OpenRaw(k rep.Key) (io.ReadCloser, error) {
	if k.TxnID != "" {
		return s.openProtoRange(k.TxnID, k.Offset, k.Size)
	}
	return s.openRevRange(k.Revision, k.Offset, k.Size)
}

func (s *Store) openRevRange(rev, offset, size int64) (io.ReadCloser, error) {
	path := s.revPath(rev)
	base := offset
	if s.isPacked(rev) {
		manifest, err := s.manifestFor(s.layout.shardOf(rev))
		if err != nil {
			return nil, err
		}
		idx := rev - s.layout.shardOf(rev)*s.layout.ShardSize
		if idx < 0 || int(idx) >= len(manifest) {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, "manifest index out of range")
		}
		path = s.packFile(s.layout.shardOf(rev))
		base = manifest[idx] + offset
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoSuchRevision, path, err)
	}
	return sectionReader(f, base, size), nil
}

func (s *Store) openProtoRange(txnID string, offset, size int64) (io.ReadCloser, error) {
	path := filepath.Join(s.root, "transactions", txnID+".txn", "rev")
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoSuchTransaction, path, err)
	}
	return sectionReader(f, offset, size), nil
}

// sectionReader exposes exactly `size` bytes of f starting at `offset` as
// an io.ReadCloser that closes the underlying file handle.
func sectionReader(f *os.File, offset, size int64) io.ReadCloser {
	return &limitedFile{f: f, off: offset, size: size}
}

type limitedFile struct {
	f      *os.File
	off    int64
	size   int64
	read   int64
	seeked bool
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if !l.seeked {
		if _, err := l.f.Seek(l.off, io.SeekStart); err != nil {
			return 0, err
		}
		l.seeked = true
	}
	remaining := l.size - l.read
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.f.Read(p)
	l.read += int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

func (s *Store) manifestFor(shard int64) ([]int64, error) {
	s.mu.RLock()
	if m, ok := s.manifests[shard]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.manifestFile(shard))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CorruptFormatFile, s.manifestFile(shard), err)
	}
	var offs []int64
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptFormatFile, s.manifestFile(shard), err)
		}
		offs = append(offs, v)
	}
	s.mu.Lock()
	s.manifests[shard] = offs
	s.mu.Unlock()
	return offs, nil
}

// Trailer is the fixed two-integer trailer every revision file ends with:
// the byte offset of its root node-revision record and the byte offset of
// its changed-paths section (spec §3.6).
type Trailer struct {
	RootOffset        int64
	ChangedPathsOffset int64
}

// WriteTrailer appends "\n<rootOffset> <changedPathsOffset>\n" to w.
func WriteTrailer(w io.Writer, t Trailer) error {
	_, err := fmt.Fprintf(w, "\n%d %d\n", t.RootOffset, t.ChangedPathsOffset)
	return err
}

// ReadTrailer locates and parses the trailer of a committed revision's
// file by reading its last line.
func (s *Store) ReadTrailer(rev int64) (Trailer, error) {
	r, err := s.openRevRange(rev, 0, 1<<62)
	path := s.revPath(rev)
	if err != nil {
		return Trailer{}, err
	}
	// A whole-file read through the limitedFile will hit io.EOF once
	// the real file ends (its cap was a sentinel, not a real bound) so
	// this is safe against the huge requested size above.
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return Trailer{}, ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return Trailer{}, ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	last := lines[len(lines)-1]
	var t Trailer
	if _, err := fmt.Sscanf(last, "%d %d", &t.RootOffset, &t.ChangedPathsOffset); err != nil {
		return Trailer{}, ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	return t, nil
}

// ReadChangedPaths returns the raw changed-paths section of rev (spec
// §6.2), the bytes between the trailer's ChangedPathsOffset and the
// trailer line itself. Used by inspection tooling that wants the raw
// per-revision change list without replaying the whole commit.
func (s *Store) ReadChangedPaths(rev int64) ([]byte, error) {
	t, err := s.ReadTrailer(rev)
	if err != nil {
		return nil, err
	}
	r, err := s.openRevRange(rev, 0, 1<<62)
	path := s.revPath(rev)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	trimmed := strings.TrimRight(string(data), "\n")
	idx := strings.LastIndex(trimmed, "\n")
	content := trimmed
	if idx >= 0 {
		content = trimmed[:idx]
	}
	if int64(len(content)) < t.ChangedPathsOffset {
		return nil, ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	return []byte(content[t.ChangedPathsOffset:]), nil
}

// ProtoWriter is the append-only staging file for an in-progress
// transaction's not-yet-committed representations (spec §3.5, §4.6). It
// implements rep.Sink.
type ProtoWriter struct {
	f *os.File
}

// OpenProto opens (creating if necessary) the proto-revision file for txn
// directory txnDir, positioned for appending.
func OpenProto(txnDir string) (*ProtoWriter, error) {
	path := filepath.Join(txnDir, "rev")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoSuchTransaction, path, err)
	}
	return &ProtoWriter{f: f}, nil
}

// Append implements rep.Sink.
func (p *ProtoWriter) Append(b []byte) (int64, error) {
	off, err := p.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := p.f.Write(b); err != nil {
		return 0, err
	}
	return off, nil
}

// WriteRaw appends pre-formed bytes (used for node-revision headers and
// the changed-paths section, which are not representations) and returns
// the offset they were written at.
func (p *ProtoWriter) WriteRaw(b []byte) (int64, error) { return p.Append(b) }

func (p *ProtoWriter) Close() error { return p.f.Close() }

// Path returns the proto-revision file's location, used for the os.Rename
// that finalizes a commit.
func (p *ProtoWriter) Path() string { return p.f.Name() }

// Finalize renames the proto-revision file into its final revision slot
// (spec §4.6 step 6) — the linearization point of a commit — creating the
// shard directory first if the layout is sharded. It does not touch
// `current`; the caller bumps that separately once this returns.
func (s *Store) Finalize(protoPath string, rev int64) error {
	dest := s.revPath(rev)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Rename(protoPath, dest); err != nil {
		return ferrors.Wrap(ferrors.TxnOutOfDate, dest, err)
	}
	return nil
}

// WriteRevprops writes (overwrites) the mutable revision-properties file
// for rev (spec §3.6: "non-historied").
func (s *Store) WriteRevprops(rev int64, data []byte) error {
	path := s.revpropsPath(rev)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadRevprops reads the revprops file for rev.
func (s *Store) ReadRevprops(rev int64) ([]byte, error) {
	data, err := os.ReadFile(s.revpropsPath(rev))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoSuchRevision, s.revpropsPath(rev), err)
	}
	return data, nil
}

// Pack collapses every revision in shard `shard` into a single
// revs/<shard>.pack/{pack,manifest} file pair (spec §4.2, glossary
// "Pack"). It is only meaningful for a sharded layout. The shard must lie
// entirely below the repository's youngest-but-one boundary; callers
// (package repo) are responsible for holding the write lock while calling
// this and for bumping min-unpacked-rev afterward.
func (s *Store) Pack(shard int64) error {
	if !s.layout.Sharded {
		return nil
	}
	shardDir := filepath.Join(s.root, "revs", strconv.FormatInt(shard, 10))
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		return ferrors.Wrap(ferrors.CorruptFormatFile, shardDir, err)
	}

	type revFile struct {
		rev  int64
		path string
	}
	var revs []revFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rev, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		revs = append(revs, revFile{rev: rev, path: filepath.Join(shardDir, e.Name())})
	}
	if len(revs) == 0 {
		return nil
	}
	// Sort by revision number so the manifest's index i corresponds to
	// revision shard*ShardSize+i, matching openRevRange's lookup.
	for i := 0; i < len(revs); i++ {
		for j := i + 1; j < len(revs); j++ {
			if revs[j].rev < revs[i].rev {
				revs[i], revs[j] = revs[j], revs[i]
			}
		}
	}

	packDir := s.packDir(shard)
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return err
	}
	tmpPack := s.packFile(shard) + ".tmp"
	out, err := os.Create(tmpPack)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	var offsets []int64
	var cursor int64
	for _, rf := range revs {
		data, err := os.ReadFile(rf.path)
		if err != nil {
			return ferrors.Wrap(ferrors.CorruptFormatFile, rf.path, err)
		}
		offsets = append(offsets, cursor)
		if _, err := w.Write(data); err != nil {
			return err
		}
		cursor += int64(len(data))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPack, s.packFile(shard)); err != nil {
		return err
	}

	var manifest strings.Builder
	for _, off := range offsets {
		fmt.Fprintf(&manifest, "%d\n", off)
	}
	tmpManifest := s.manifestFile(shard) + ".tmp"
	if err := os.WriteFile(tmpManifest, []byte(manifest.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpManifest, s.manifestFile(shard)); err != nil {
		return err
	}

	if err := os.RemoveAll(shardDir); err != nil {
		return err
	}

	s.mu.Lock()
	s.manifests[shard] = offsets
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Infof("revfile: packed shard %d (%d revisions)", shard, len(revs))
	}
	return nil
}

// WriteMinUnpackedRev atomically persists a new min-unpacked-rev lower
// bound, to be called immediately after a successful Pack (spec §4.2:
// "writers bump it atomically after rename").
func (s *Store) WriteMinUnpackedRev(rev int64) error {
	path := filepath.Join(s.root, "min-unpacked-rev")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(rev, 10)+"\n"), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.mu.Lock()
	s.minUnpackedRev = rev
	s.mu.Unlock()
	return nil
}

// ReadCurrent reads the youngest committed revision number from the
// repository's `current` file (spec §6.1). A missing file means the
// repository has no committed revisions yet (youngest = 0).
func (s *Store) ReadCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "current"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, ferrors.NewPath(ferrors.CorruptFormatFile, "current")
	}
	v, perr := strconv.ParseInt(fields[0], 10, 64)
	if perr != nil {
		return 0, ferrors.Wrap(ferrors.CorruptFormatFile, "current", perr)
	}
	return v, nil
}

// WriteCurrent atomically bumps `current` to rev — spec §4.6 step 8, the
// happens-after point of the commit's linearization.
func (s *Store) WriteCurrent(rev int64) error {
	path := filepath.Join(s.root, "current")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(rev, 10)+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Root returns the repository root this store is bound to.
func (s *Store) Root() string { return s.root }

// LayoutConfig returns the store's on-disk layout configuration.
func (s *Store) LayoutConfig() Layout { return s.layout }

// FileLock is an advisory exclusive flock(2) lock on a repository-level
// lock file: the repository-wide write-lock that serializes commits, and
// the per-transaction rev-lock that serializes concurrent representation
// writes into the same proto-revision file (spec §4.6).
type FileLock struct {
	f *os.File
}

// LockWrite acquires (blocking) the repository's single write-lock file,
// creating it if absent.
func (s *Store) LockWrite() (*FileLock, error) {
	return lockFile(filepath.Join(s.root, "write-lock"))
}

// LockRev acquires (blocking) a transaction's rev-lock file.
func (s *Store) LockRev(txnDir string) (*FileLock, error) {
	return lockFile(filepath.Join(txnDir, "rev-lock"))
}

// LockTxnCurrent acquires (blocking) the repository's txn-current-lock
// file, guarding the next-txn-id counter (spec §5).
func (s *Store) LockTxnCurrent() (*FileLock, error) {
	return lockFile(filepath.Join(s.root, "txn-current-lock"))
}

// NextTxnID reads, increments, and rewrites the txn-current counter
// file under the caller's already-held LockTxnCurrent, returning the ID
// just allocated (spec §6.1: "txn-current next-txn-id counter").
func (s *Store) NextTxnID() (string, error) {
	path := filepath.Join(s.root, "txn-current")
	data, err := os.ReadFile(path)
	var n int64
	if err == nil {
		n, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	n++
	if err := os.WriteFile(path, []byte(strconv.FormatInt(n, 10)+"\n"), 0644); err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 36), nil
}

func lockFile(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the flock and closes the underlying file handle.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
