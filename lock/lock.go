// Package lock implements the digest-tree path lock store of spec §4.7:
// advisory locks on repository paths, keyed by an MD5 digest of the path
// and chained to their ancestors via a "children" back-reference so a
// lock or its descendants can be found in O(depth) instead of a full
// tree scan.
package lock

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rcowham/svnfs/ferrors"
)

// digestSubdirLen is the number of leading hex characters of a path's
// digest used as its subdirectory, splitting the lock store into 4096
// buckets regardless of how many paths are locked.
const digestSubdirLen = 3

// Lock is one advisory lock record (spec §4.7).
type Lock struct {
	Path         string
	Token        string
	Owner        string
	Comment      string
	IsXMLComment bool
	Created      time.Time
	Expires      time.Time // zero means never
}

func (l *Lock) expired(now time.Time) bool {
	return !l.Expires.IsZero() && now.After(l.Expires)
}

// Store is a repository's path-lock digest tree, rooted at <repo>/locks.
// All operations assume the caller already holds the repository write
// lock (revfile.Store.LockWrite), per spec §4.7.
type Store struct {
	root string
}

// Open binds a Store to repoRoot/locks, which need not yet exist.
func Open(repoRoot string) *Store {
	return &Store{root: filepath.Join(repoRoot, "locks")}
}

func digest(p string) string {
	sum := md5.Sum([]byte(p))
	return hex.EncodeToString(sum[:])
}

func (s *Store) digestPath(d string) string {
	return filepath.Join(s.root, d[:digestSubdirLen], d)
}

// Lock creates a new lock on p. If p is already locked and steal is
// false, it fails with PathAlreadyLocked; if steal is true, the prior
// lock is removed first. The lock is then chained into every ancestor
// digest file's children set, stopping as soon as an ancestor already
// lists it (spec §4.7, grounded on libsvn_fs_fs/lock.c's set_lock).
func (s *Store) Lock(p, token, owner, comment string, xmlComment bool, expires time.Time, steal bool) (*Lock, error) {
	p = path.Clean("/" + p)
	existing, err := s.readLock(p)
	if err != nil && !ferrors.Is(err, ferrors.NoSuchLock) {
		return nil, err
	}
	if existing != nil {
		if !steal {
			return nil, ferrors.NewPath(ferrors.PathAlreadyLocked, p)
		}
		if err := s.unchain(p); err != nil {
			return nil, err
		}
	}

	l := &Lock{
		Path:         p,
		Token:        token,
		Owner:        owner,
		Comment:      comment,
		IsXMLComment: xmlComment,
		Created:      now(),
		Expires:      expires,
	}
	if err := s.writeRecord(p, l, nil); err != nil {
		return nil, err
	}
	if err := s.chain(p); err != nil {
		return nil, err
	}
	return l, nil
}

// GenerateLockToken mints a new opaque lock token in the
// "opaquelocktoken:<uuid>" form libsvn_fs_fs/lock.c uses, per spec
// §6.3's generate_lock_token.
func GenerateLockToken() string {
	return "opaquelocktoken:" + uuid.New().String()
}

// Unlock removes the lock on p, pruning it from its ancestors' children
// sets and deleting any ancestor digest file left with no lock of its
// own and no remaining children (spec §4.7, delete_lock).
func (s *Store) Unlock(p string) error {
	p = path.Clean("/" + p)
	if _, err := s.readLock(p); err != nil {
		return err
	}
	return s.unchain(p)
}

// Get returns the lock on p, auto-expiring and removing it first if its
// expiration date has passed (spec §4.7).
func (s *Store) Get(p string) (*Lock, error) {
	p = path.Clean("/" + p)
	l, err := s.readLock(p)
	if err != nil {
		return nil, err
	}
	if l.expired(now()) {
		if err := s.unchain(p); err != nil {
			return nil, err
		}
		return nil, ferrors.NewPath(ferrors.NoSuchLock, p)
	}
	return l, nil
}

// GetAll walks every lock at or beneath prefix, per spec §4.7's
// "discover all locks under a path" requirement. Expired locks are
// skipped (not removed — callers doing a read-only walk should not
// mutate the store); Get is what reclaims them.
func (s *Store) GetAll(prefix string) ([]*Lock, error) {
	prefix = path.Clean("/" + prefix)
	var out []*Lock
	err := s.walk(prefix, func(l *Lock) {
		if !l.expired(now()) {
			out = append(out, l)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Verify checks that username/token authorize a write to a path already
// known to carry lock l, per spec §4.7's LockOwnerMismatch/BadLockToken
// distinction.
func Verify(l *Lock, username string, heldTokens map[string]bool) error {
	if username == "" || username != l.Owner {
		return ferrors.NewPath(ferrors.LockOwnerMismatch, l.Path)
	}
	if !heldTokens[l.Token] {
		return ferrors.NewPath(ferrors.BadLockToken, l.Path)
	}
	return nil
}

func (s *Store) readLock(p string) (*Lock, error) {
	l, _, _, err := s.readDigestFile(s.digestPath(digest(p)))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ferrors.NewPath(ferrors.NoSuchLock, p)
	}
	return l, nil
}

// chain walks p's ancestors root-ward, recording p's digest as a child
// of each, stopping once an ancestor already has that entry (it and
// everything further up must already be chained).
func (s *Store) chain(p string) error {
	childDigest := digest(p)
	cur := p
	for {
		parent := path.Dir(cur)
		l, _, children, err := s.readDigestFile(s.digestPath(digest(parent)))
		if err != nil {
			return err
		}
		if children[childDigest] {
			break
		}
		if children == nil {
			children = map[string]bool{}
		}
		children[childDigest] = true
		if err := s.writeRecord(parent, l, children); err != nil {
			return err
		}
		if parent == "/" {
			break
		}
		cur = parent
		childDigest = digest(cur)
	}
	return nil
}

// unchain removes p's own lock and prunes it from every ancestor's
// children set, deleting any digest file left empty (no lock, no
// children) along the way.
func (s *Store) unchain(p string) error {
	childDigest := ""
	cur := p
	first := true
	for {
		dp := s.digestPath(digest(cur))
		l, _, children, err := s.readDigestFile(dp)
		if err != nil {
			return err
		}
		if childDigest != "" {
			delete(children, childDigest)
		}
		if first {
			l = nil
			first = false
		}
		if l == nil && len(children) == 0 {
			childDigest = digest(cur)
			if err := os.Remove(dp); err != nil && !os.IsNotExist(err) {
				return err
			}
		} else {
			if err := s.writeRecord(cur, l, children); err != nil {
				return err
			}
			childDigest = ""
		}
		if cur == "/" {
			break
		}
		cur = path.Dir(cur)
	}
	return nil
}

// walk visits the lock at p (if any) and recurses into every child
// digest file named in its children set, depth-first, sorted by digest
// for deterministic output.
func (s *Store) walk(p string, visit func(*Lock)) error {
	l, _, children, err := s.readDigestFile(s.digestPath(digest(p)))
	if err != nil {
		return err
	}
	if l != nil {
		visit(l)
	}
	names := make([]string, 0, len(children))
	for c := range children {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		_, childPath, _, err := s.readDigestFile(filepath.Join(s.root, c[:digestSubdirLen], c))
		if err != nil {
			return err
		}
		if childPath == "" {
			continue // child entry outlived its digest file somehow; nothing to walk
		}
		if err := s.walk(childPath, visit); err != nil {
			return err
		}
	}
	return nil
}

// readDigestFile parses a digest file into its lock (nil if this digest
// is merely a chaining placeholder with no lock of its own, or the file
// is absent), the path it was written for, and its children set.
func (s *Store) readDigestFile(digestPath string) (*Lock, string, map[string]bool, error) {
	f, err := os.Open(digestPath)
	if os.IsNotExist(err) {
		return nil, "", nil, nil
	}
	if err != nil {
		return nil, "", nil, err
	}
	defer f.Close()

	var nodePath string
	var l *Lock
	hasToken := false
	children := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, "", nil, ferrors.NewPath(ferrors.CorruptFormatFile, digestPath)
		}
		if l == nil {
			l = &Lock{}
		}
		switch key {
		case "child":
			children[val] = true
		case "path":
			nodePath = val
			l.Path = val
		case "token":
			hasToken = true
			l.Token = val
		case "owner":
			l.Owner = val
		case "comment":
			l.Comment = val
		case "is_xml":
			l.IsXMLComment = val == "true"
		case "created":
			l.Created, err = parseTime(val)
			if err != nil {
				return nil, "", nil, err
			}
		case "expires":
			l.Expires, err = parseTime(val)
			if err != nil {
				return nil, "", nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, "", nil, err
	}
	if len(children) == 0 {
		children = nil
	}
	if !hasToken {
		l = nil
	}
	return l, nodePath, children, nil
}

func (s *Store) writeRecord(p string, l *Lock, children map[string]bool) error {
	if l == nil && len(children) == 0 {
		return os.Remove(s.digestPath(digest(p)))
	}

	var buf strings.Builder
	if l != nil {
		fmt.Fprintf(&buf, "path: %s\n", l.Path)
		fmt.Fprintf(&buf, "token: %s\n", l.Token)
		fmt.Fprintf(&buf, "owner: %s\n", l.Owner)
		fmt.Fprintf(&buf, "comment: %s\n", l.Comment)
		fmt.Fprintf(&buf, "is_xml: %t\n", l.IsXMLComment)
		fmt.Fprintf(&buf, "created: %s\n", formatTime(l.Created))
		if !l.Expires.IsZero() {
			fmt.Fprintf(&buf, "expires: %s\n", formatTime(l.Expires))
		}
	} else {
		// Intermediate ancestor: no lock of its own, just a children
		// list referencing this path so GetAll can descend into it.
		fmt.Fprintf(&buf, "path: %s\n", p)
	}
	names := make([]string, 0, len(children))
	for c := range children {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		fmt.Fprintf(&buf, "child: %s\n", c)
	}

	dp := s.digestPath(digest(p))
	if err := os.MkdirAll(filepath.Dir(dp), 0755); err != nil {
		return err
	}
	tmp := dp + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, dp)
}

func formatTime(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func parseTime(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, ferrors.Wrap(ferrors.CorruptFormatFile, v, err)
	}
	return time.Unix(0, n), nil
}

// now is overridden in tests to make expiration deterministic.
var now = time.Now
