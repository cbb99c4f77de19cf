// Package repcache implements rep-cache.db, the SQLite-backed SHA1 to
// representation dedup table of spec §4.3/§6.1: once a fulltext's SHA1
// digest has been committed under some representation key, every later
// write of the same fulltext reuses that key instead of storing the
// bytes again.
//
// Grounded on libsvn_fs_fs/rep-cache.c's single-table schema and its
// get/set statement pair.
package repcache

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/rep"
)

const schema = `
CREATE TABLE IF NOT EXISTS rep_cache (
	hash          TEXT NOT NULL PRIMARY KEY,
	revision      INTEGER NOT NULL,
	offset        INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	expanded_size INTEGER NOT NULL
);
`

const (
	stmtGet = `SELECT revision, offset, size, expanded_size FROM rep_cache WHERE hash = ?`
	stmtSet = `INSERT INTO rep_cache (hash, revision, offset, size, expanded_size) VALUES (?, ?, ?, ?, ?)`
)

// Store is one repository's rep-cache.db, implementing rep.DedupLookup.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open creates path if absent (and its rep_cache table, if the file is
// new or was created by an older schema run) and returns a Store bound
// to it. path is normally <repo>/rep-cache.db.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.UnsupportedFormat, path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ferrors.Wrap(ferrors.CorruptFormatFile, path, err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Lookup implements rep.DedupLookup: an existing Key for sha1Hex, if one
// has already been recorded.
func (s *Store) Lookup(sha1Hex string) (rep.Key, bool) {
	row := s.db.QueryRow(stmtGet, sha1Hex)
	var rev, offset, size, expandedSize int64
	if err := row.Scan(&rev, &offset, &size, &expandedSize); err != nil {
		if err != sql.ErrNoRows {
			s.logger.WithError(err).Warn("repcache: lookup failed, treating as miss")
		}
		return rep.Key{}, false
	}
	return rep.Key{
		Revision:     rev,
		Offset:       offset,
		Size:         size,
		ExpandedSize: expandedSize,
		SHA1:         sha1Hex,
	}, true
}

// Record stores key under its SHA1 digest, once and permanently — a
// rep-cache entry is never overwritten or removed, since the shared
// representation it points at outlives every commit that reused it
// (rep-cache.c never implements a delete statement for the same reason).
// A second Record call for an already-known sha1Hex is a no-op; svn
// treats this case as benign (two transactions racing to write the same
// fulltext), not an error.
func (s *Store) Record(sha1Hex string, key rep.Key) error {
	if sha1Hex == "" {
		return ferrors.NewPath(ferrors.BadCheckSumKind, "rep-cache: empty sha1")
	}
	_, err := s.db.Exec(stmtSet, sha1Hex, key.Revision, key.Offset, key.Size, key.ExpandedSize)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return nil
	}
	return ferrors.Wrap(ferrors.CorruptFormatFile, fmt.Sprintf("rep-cache: record %s", sha1Hex), err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
