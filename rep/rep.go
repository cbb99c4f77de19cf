// Package rep implements the representation reader and writer (spec §3.3,
// §4.3): the plain-vs-delta on-disk encoding of file contents and
// directory listings, delta-chain reconstruction, and MD5/SHA1 integrity
// verification.
package rep

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/svndiff"
)

// Key locates a byte range inside a revision or proto-revision file
// (spec §3.3).
type Key struct {
	Revision     int64 // 0 (or txn-scoped) while unrevisioned; the txn's proto-rev is addressed by TxnID
	TxnID        string
	Offset       int64
	Size         int64
	ExpandedSize int64
	MD5          string
	SHA1         string // optional
}

func (k Key) String() string {
	if k.TxnID != "" {
		return fmt.Sprintf("<%s,%d,%d,%d,%s>", k.TxnID, k.Offset, k.Size, k.ExpandedSize, k.MD5)
	}
	return fmt.Sprintf("<r%d,%d,%d,%d,%s>", k.Revision, k.Offset, k.Size, k.ExpandedSize, k.MD5)
}

// Base identifies the representation a DELTA representation was encoded
// against.
type Base struct {
	Revision int64
	Offset   int64
	Length   int64
}

// Kind distinguishes the two on-disk encodings (spec §3.3).
type Kind int

const (
	Plain Kind = iota
	Delta
)

// Source is the byte-range-level view of a stored representation: how to
// read the raw PLAIN/DELTA record bytes for a given Key. revfile.Store
// implements this; rep depends only on the interface so it has no import
// cycle with revfile.
type Source interface {
	OpenRaw(k Key) (io.ReadCloser, error)
}

// Record is the parsed header of one on-disk representation: its kind and,
// for DELTA, the base it points at.
type Record struct {
	Kind Kind
	Base Base // meaningful iff Kind == Delta
}

// recordTrailer is the fixed "\nENDREP\n" suffix every representation
// record ends with (spec §3.3), independent of payload content.
const recordTrailer = "\nENDREP\n"

// ParseHeader reads the "PLAIN\n" or "DELTA <rev> <off> <len>\n" line that
// prefixes a representation's on-disk bytes and returns the record plus
// the payload bytes (raw fulltext, or svndiff stream), with the trailing
// "\nENDREP\n" already stripped. The whole record is read into memory
// first — fulltext byte-counting to find the trailer cannot be done on a
// stream since the payload may itself be arbitrary binary content.
func ParseHeader(raw []byte) (Record, []byte, error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return Record{}, nil, ferrors.New(ferrors.CorruptRepresentation)
	}
	line := string(raw[:nl])
	if !bytes.HasSuffix(raw, []byte(recordTrailer)) {
		return Record{}, nil, ferrors.New(ferrors.CorruptRepresentation)
	}
	payload := raw[nl+1 : len(raw)-len(recordTrailer)]

	if line == "PLAIN" {
		return Record{Kind: Plain}, payload, nil
	}
	var base Base
	n, err := fmt.Sscanf(line, "DELTA %d %d %d", &base.Revision, &base.Offset, &base.Length)
	if err != nil || n != 3 {
		return Record{}, nil, ferrors.NewPath(ferrors.CorruptRepresentation, line)
	}
	return Record{Kind: Delta, Base: base}, payload, nil
}

// Reader reconstructs the fulltext of representation k, recursively
// resolving DELTA chains against their bases via src. MD5 is verified on
// Close; a mismatch surfaces as ChecksumMismatch (spec §4.3).
type Reader struct {
	src    Source
	key    Key
	logger *logrus.Logger

	fulltext []byte
	pos      int
	verified bool
}

// MaxChainDepth bounds delta-chain recursion. Spec §4.3 requires
// implementations not to silently truncate; exceeding this is therefore a
// hard CorruptRepresentation error rather than a quiet short read.
const MaxChainDepth = 10000

// NewReader opens representation k for reading its reconstructed fulltext.
func NewReader(src Source, k Key, logger *logrus.Logger) (*Reader, error) {
	full, err := reconstruct(src, k, 0, logger)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, key: k, logger: logger, fulltext: full}, nil
}

func reconstruct(src Source, k Key, depth int, logger *logrus.Logger) ([]byte, error) {
	if depth > MaxChainDepth {
		return nil, ferrors.NewPath(ferrors.CorruptRepresentation, "delta chain too deep")
	}
	raw, err := src.OpenRaw(k)
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	rawBytes, err := io.ReadAll(raw)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	rec, payload, err := ParseHeader(rawBytes)
	if err != nil {
		return nil, err
	}
	switch rec.Kind {
	case Plain:
		return append([]byte{}, payload...), nil
	case Delta:
		baseKey := Key{Revision: rec.Base.Revision, Offset: rec.Base.Offset, Size: rec.Base.Length}
		base, err := reconstruct(src, baseKey, depth+1, logger)
		if err != nil {
			return nil, err
		}
		target, err := svndiff.Apply(bytes.NewReader(payload), base)
		if err != nil {
			return nil, err
		}
		return target, nil
	default:
		return nil, ferrors.New(ferrors.CorruptRepresentation)
	}
}

// Read implements io.Reader over the reconstructed fulltext.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= len(r.fulltext) {
		return 0, io.EOF
	}
	n := copy(p, r.fulltext[r.pos:])
	r.pos += n
	return n, nil
}

// Fulltext returns the complete reconstructed byte slice without streaming.
func (r *Reader) Fulltext() []byte { return r.fulltext }

// Close verifies the reconstructed fulltext's MD5 against r.key.MD5.
func (r *Reader) Close() error {
	if r.verified {
		return nil
	}
	r.verified = true
	if r.key.MD5 == "" {
		return nil
	}
	sum := md5.Sum(r.fulltext)
	got := hex.EncodeToString(sum[:])
	if got != r.key.MD5 {
		return ferrors.NewPath(ferrors.ChecksumMismatch,
			fmt.Sprintf("expected md5 %s, got %s", r.key.MD5, got))
	}
	return nil
}

// Sink is the byte-range-level view a Writer appends new representation
// bytes to: revfile's proto-revision append stream.
type Sink interface {
	// Append writes raw bytes (the full on-disk record: header line,
	// payload, ENDREP trailer) to the proto-revision file and returns the
	// byte offset it was written at.
	Append(p []byte) (offset int64, err error)
}

// DedupLookup is the rep-cache contract (SHA1 -> existing Key), letting
// Writer skip re-storing bytes whose fulltext has already been committed
// under some other representation.
type DedupLookup interface {
	Lookup(sha1Hex string) (Key, bool)
}

// Writer buffers a new representation's fulltext, then on Close decides
// plain vs. delta encoding and appends the record to sink (spec §4.3).
type Writer struct {
	sink     Sink
	dedup    DedupLookup
	writeSHA bool
	logger   *logrus.Logger

	buf bytes.Buffer
}

// NewWriter opens a writable representation stream. writeSHA1 controls
// whether a SHA1 digest (used for rep-cache dedup) is computed; it costs
// an extra hash pass over every byte written.
func NewWriter(sink Sink, dedup DedupLookup, writeSHA1 bool, logger *logrus.Logger) *Writer {
	return &Writer{sink: sink, dedup: dedup, writeSHA: writeSHA1, logger: logger}
}

func (w *Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

// WriteResult is what Close() returns: either a reused (deduplicated) key
// or a freshly written one, plus a content-kind hint.
type WriteResult struct {
	Key      Key
	Reused   bool
	IsBinary bool
}

// DeltaBase is the full identity of a DELTA base: where its record lives
// (Base, for the header line) plus its reconstructed fulltext (to diff
// against).
type DeltaBase struct {
	Loc      Base
	Fulltext []byte
}

// Close finalizes the representation: computes digests, consults the
// rep-cache for dedup, optionally deltifies against base (nil means write
// plain), and appends the record to the sink.
func (w *Writer) Close(base *DeltaBase) (WriteResult, error) {
	fulltext := w.buf.Bytes()
	sum := md5.Sum(fulltext)
	md5Hex := hex.EncodeToString(sum[:])

	var sha1Hex string
	if w.writeSHA {
		s := sha1.Sum(fulltext)
		sha1Hex = hex.EncodeToString(s[:])
		if w.dedup != nil {
			if existing, ok := w.dedup.Lookup(sha1Hex); ok {
				if w.logger != nil {
					w.logger.Debugf("rep: dedup hit for sha1 %s -> %s", sha1Hex, existing)
				}
				return WriteResult{Key: existing, Reused: true}, nil
			}
		}
	}

	isBinary := looksBinary(fulltext)

	var record bytes.Buffer
	if base != nil {
		fmt.Fprintf(&record, "DELTA %d %d %d\n", base.Loc.Revision, base.Loc.Offset, base.Loc.Length)
		if err := svndiff.Encode(&record, svndiff.Version1, base.Fulltext, fulltext); err != nil {
			return WriteResult{}, err
		}
	} else {
		record.WriteString("PLAIN\n")
		record.Write(fulltext)
	}
	record.WriteString(recordTrailer)

	off, err := w.sink.Append(record.Bytes())
	if err != nil {
		return WriteResult{}, err
	}

	key := Key{
		Offset:       off,
		Size:         int64(record.Len()),
		ExpandedSize: int64(len(fulltext)),
		MD5:          md5Hex,
		SHA1:         sha1Hex,
	}
	return WriteResult{Key: key, IsBinary: isBinary}, nil
}

// looksBinary sniffs the fulltext with h2non/filetype to fill
// WriteResult.IsBinary, a human-readable content-kind hint that no caller
// in this module reads. This is advisory only: it never changes plain-vs-delta encoding, which is
// chosen purely by whether a base was supplied.
func looksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return false
	}
	return kind != filetype.Unknown
}

// ChecksumMismatch-detecting wrapper for applying a caller-supplied
// text-delta window stream to an existing fulltext (spec §4.3's "windowed
// text delta application"): validates base_checksum before applying and
// result_checksum after.
func ApplyTextDelta(current []byte, baseChecksumMD5 string, windows io.Reader, resultChecksumMD5 string) ([]byte, error) {
	if baseChecksumMD5 != "" {
		sum := md5.Sum(current)
		if hex.EncodeToString(sum[:]) != baseChecksumMD5 {
			return nil, ferrors.New(ferrors.ChecksumMismatch)
		}
	}
	result, err := svndiff.Apply(windows, current)
	if err != nil {
		return nil, err
	}
	if resultChecksumMD5 != "" {
		sum := md5.Sum(result)
		if hex.EncodeToString(sum[:]) != resultChecksumMD5 {
			return nil, ferrors.New(ferrors.ChecksumMismatch)
		}
	}
	return result, nil
}

// Deltify re-encodes an already-written plain representation as a delta
// against `base`'s fulltext. Nothing in this module calls it: repo.Pack
// compacts shards without re-encoding their representations. It reads the
// fulltext from src, re-writes it through sink as a DELTA record, and
// returns the new Key; callers are responsible for updating whatever
// referenced the old Key.
func Deltify(src Source, old Key, base DeltaBase, sink Sink, logger *logrus.Logger) (Key, error) {
	r, err := NewReader(src, old, logger)
	if err != nil {
		return Key{}, err
	}
	defer r.Close()
	full := r.Fulltext()

	var record bytes.Buffer
	fmt.Fprintf(&record, "DELTA %d %d %d\n", base.Loc.Revision, base.Loc.Offset, base.Loc.Length)
	if err := svndiff.Encode(&record, svndiff.Version1, base.Fulltext, full); err != nil {
		return Key{}, err
	}
	record.WriteString(recordTrailer)

	off, err := sink.Append(record.Bytes())
	if err != nil {
		return Key{}, err
	}
	sum := md5.Sum(full)
	return Key{
		Offset:       off,
		Size:         int64(record.Len()),
		ExpandedSize: int64(len(full)),
		MD5:          hex.EncodeToString(sum[:]),
		SHA1:         old.SHA1,
	}, nil
}

