// Package txn implements the transaction type of spec §3.5: a
// transaction's base revision, root, property map, proto-revision
// staging, and changed-paths journal. The journal writer keeps the
// teacher's journal.Journal shape — a small struct wrapping an io.Writer
// with line-oriented WriteX methods — retargeted at the changed-paths
// record format of spec §6.2 instead of Perforce's @pv@ journal records.
package txn

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/revfile"
)

// Action classifies a changed-paths journal entry (spec §6.2).
type Action string

const (
	ActionAdd     Action = "add"
	ActionDelete  Action = "delete"
	ActionReplace Action = "replace"
	ActionModify  Action = "modify"
	ActionReset   Action = "reset"
)

// CopyFrom is the optional copyfrom line following a changed-paths entry.
type CopyFrom struct {
	Rev  int64
	Path string
}

// Journal is the append-only changed-paths record writer for one
// transaction (spec §6.1 "changes" file).
type Journal struct {
	f *os.File
	w *bufio.Writer
}

// OpenJournal opens (creating if absent) the changes file for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NoSuchTransaction, path, err)
	}
	return &Journal{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteChange appends one changed-paths record, per spec §6.2:
// "<id> <action> <text-mod?> <prop-mod?> <path>\n" optionally followed by
// a copyfrom line.
func (j *Journal) WriteChange(nodeID id.ID, action Action, textMod, propMod bool, path string, copyFrom *CopyFrom) error {
	if _, err := fmt.Fprintf(j.w, "%s %s %t %t %s\n", id.Unparse(nodeID), action, textMod, propMod, path); err != nil {
		return err
	}
	if copyFrom != nil {
		if _, err := fmt.Fprintf(j.w, "%d %s\n", copyFrom.Rev, copyFrom.Path); err != nil {
			return err
		}
	}
	return j.w.Flush()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

// ChangedPathRecord is one parsed entry of a changed-paths section (spec
// §6.2, the paths_changed operation).
type ChangedPathRecord struct {
	NodeID   id.ID
	Action   Action
	TextMod  bool
	PropMod  bool
	Path     string
	CopyFrom *CopyFrom
}

// ParseChangedPaths decodes the raw bytes of a revision's changed-paths
// section (package repo reads these off revfile.Store.ReadChangedPaths)
// back into the records WriteChange produced. A following copyfrom line
// is distinguished from the next change record by attempting to parse
// its first field as a node-revision ID (which always has three
// '.'-separated components) rather than by the action alone, since only
// records that were actually copied carry one.
func ParseChangedPaths(data []byte) ([]ChangedPathRecord, error) {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}

	var records []ChangedPathRecord
	i := 0
	for i < len(lines) {
		line := lines[i]
		i++
		fields := strings.SplitN(line, " ", 5)
		if len(fields) != 5 {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, line)
		}
		nodeID, err := id.Parse(fields[0])
		if err != nil {
			return nil, err
		}
		textMod, err1 := strconv.ParseBool(fields[2])
		propMod, err2 := strconv.ParseBool(fields[3])
		if err1 != nil || err2 != nil {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, line)
		}
		rec := ChangedPathRecord{
			NodeID:  nodeID,
			Action:  Action(fields[1]),
			TextMod: textMod,
			PropMod: propMod,
			Path:    fields[4],
		}
		if i < len(lines) {
			if rev, path, ok := strings.Cut(lines[i], " "); ok {
				if _, err := id.Parse(rev); err != nil {
					if revNum, err := strconv.ParseInt(rev, 10, 64); err == nil {
						rec.CopyFrom = &CopyFrom{Rev: revNum, Path: path}
						i++
					}
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// BaseLoader is the read-only view onto already-committed state a
// transaction falls back to for node-revisions and directories it has
// not itself cloned (package repo supplies the concrete implementation,
// backed by revfile + rep + dirtree).
type BaseLoader interface {
	rep.Source
	Load(i id.ID) (*dag.NodeRevision, error)
	LoadDir(nr *dag.NodeRevision) (*dirtree.Directory, error)
}

// Txn is one in-progress transaction: its working set of cloned/new
// node-revisions and directories, its property map, its changed-paths
// journal, and the proto-revision file new representations are appended
// into (spec §3.5).
type Txn struct {
	ID      string
	BaseRev int64
	RootID  id.ID
	Props   map[string]string

	dir   string
	base  BaseLoader
	nodes map[string]*dag.NodeRevision
	dirs  map[string]*dirtree.Directory

	nextNode uint64
	nextCopy uint64

	journal *Journal
	proto   *revfile.ProtoWriter
}

// Open creates or resumes the on-disk transaction directory
// transactions/<id>.txn and returns a bound Txn.
func Open(root, txnID string, baseRev int64, rootID id.ID, base BaseLoader) (*Txn, error) {
	dir := filepath.Join(root, "transactions", txnID+".txn")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	t := &Txn{
		ID:      txnID,
		BaseRev: baseRev,
		RootID:  rootID,
		Props:   map[string]string{},
		dir:     dir,
		base:    base,
		nodes:   map[string]*dag.NodeRevision{},
		dirs:    map[string]*dirtree.Directory{},
	}

	nextNode, nextCopy, err := readNextIDs(filepath.Join(dir, "next-ids"))
	if err != nil {
		return nil, err
	}
	t.nextNode, t.nextCopy = nextNode, nextCopy

	props, err := readPropsHash(filepath.Join(dir, "props"))
	if err != nil {
		return nil, err
	}
	t.Props = props

	j, err := OpenJournal(filepath.Join(dir, "changes"))
	if err != nil {
		return nil, err
	}
	t.journal = j

	proto, err := revfile.OpenProto(dir)
	if err != nil {
		return nil, err
	}
	t.proto = proto

	return t, nil
}

// Dir returns the transaction's on-disk directory.
func (t *Txn) Dir() string { return t.dir }

// Proto exposes the proto-revision file as a rep.Sink for representation
// writers.
func (t *Txn) Proto() *revfile.ProtoWriter { return t.proto }

// ApplyText writes contents as nr's new fulltext representation and
// records nr in the working set (spec §3.2's apply-text operation). nr
// must already be mutable in this transaction (the caller clones it via
// dag.Clone and re-links it into its parent directory first); ApplyText
// only replaces the content, it does not resolve or re-link the node.
// The representation always goes out PLAIN, and nothing re-encodes it as
// a delta later (repo.Pack compacts shards without deltifying), keeping
// this path free of the extra load it would take to fetch a delta base.
func (t *Txn) ApplyText(nr *dag.NodeRevision, contents []byte, dedup rep.DedupLookup, logger *logrus.Logger) error {
	if !nr.IsMutable(t.ID) {
		return ferrors.NewPath(ferrors.Conflict, id.Unparse(nr.ID))
	}
	w := rep.NewWriter(t.proto, dedup, true, logger)
	if _, err := w.Write(contents); err != nil {
		return err
	}
	res, err := w.Close(nil)
	if err != nil {
		return err
	}
	nr.TextRep = &res.Key
	return t.Put(nr)
}

// ApplyTextDelta reconstructs nr's new fulltext from a base checksum, a
// stream of svndiff windows, and a result checksum (spec §4.3's windowed
// text-delta application) and writes it exactly as ApplyText does. The
// windows are applied against nr's own current TextRep — the
// representation it was cloned with, or whatever an earlier ApplyText/
// ApplyTextDelta call in this same transaction left behind — so callers
// never need to fetch the base fulltext themselves.
func (t *Txn) ApplyTextDelta(nr *dag.NodeRevision, baseChecksumMD5 string, windows io.Reader, resultChecksumMD5 string, dedup rep.DedupLookup, logger *logrus.Logger) error {
	if !nr.IsMutable(t.ID) {
		return ferrors.NewPath(ferrors.Conflict, id.Unparse(nr.ID))
	}
	var current []byte
	if nr.TextRep != nil {
		r, err := rep.NewReader(t.base, *nr.TextRep, logger)
		if err != nil {
			return err
		}
		current = r.Fulltext()
		_ = r.Close()
	}
	fulltext, err := rep.ApplyTextDelta(current, baseChecksumMD5, windows, resultChecksumMD5)
	if err != nil {
		return err
	}
	return t.ApplyText(nr, fulltext, dedup, logger)
}

// Load implements dag.Store / tree.Loader: it checks the transaction's
// working set first, falling back to committed state.
func (t *Txn) Load(i id.ID) (*dag.NodeRevision, error) {
	if nr, ok := t.nodes[id.Unparse(i)]; ok {
		return nr, nil
	}
	return t.base.Load(i)
}

// Put implements dag.Store: it records nr in the working set and, for
// directories, seeds its in-memory listing — a copy of the predecessor's
// entries when nr is a clone, or an empty directory when nr is brand new.
func (t *Txn) Put(nr *dag.NodeRevision) error {
	key := id.Unparse(nr.ID)
	t.nodes[key] = nr
	if nr.Kind != dag.KindDir {
		return nil
	}
	if _, ok := t.dirs[key]; ok {
		return nil
	}
	if nr.PredecessorID == nil {
		t.dirs[key] = dirtree.New()
		return nil
	}
	predNR, err := t.Load(*nr.PredecessorID)
	if err != nil {
		return err
	}
	predDir, err := t.LoadDir(predNR)
	if err != nil {
		return err
	}
	t.dirs[key] = predDir.Clone()
	return nil
}

// Delete implements dag.Store.
func (t *Txn) Delete(i id.ID) error {
	key := id.Unparse(i)
	delete(t.nodes, key)
	delete(t.dirs, key)
	return nil
}

// LoadDir implements tree.Loader.
func (t *Txn) LoadDir(nr *dag.NodeRevision) (*dirtree.Directory, error) {
	if d, ok := t.dirs[id.Unparse(nr.ID)]; ok {
		return d, nil
	}
	return t.base.LoadDir(nr)
}

// NextNodeID implements dag.Store, persisting the bumped counter
// immediately so a crash mid-transaction never reissues an id (spec §4
// supplemented feature: "next-ids... allocation counters").
func (t *Txn) NextNodeID(txnID string) (uint64, error) {
	v := t.nextNode
	t.nextNode++
	return v, t.persistNextIDs()
}

// NextCopyID implements dag.Store.
func (t *Txn) NextCopyID(txnID string) (uint64, error) {
	v := t.nextCopy
	t.nextCopy++
	return v, t.persistNextIDs()
}

func (t *Txn) persistNextIDs() error {
	return writeNextIDs(filepath.Join(t.dir, "next-ids"), t.nextNode, t.nextCopy)
}

// WorkingDirs returns the transaction's mutable directories, keyed by
// node-revision ID string, for package commit to walk leaves-first.
func (t *Txn) WorkingDirs() map[string]*dirtree.Directory { return t.dirs }

// WorkingNodes returns the transaction's mutable/new node-revisions.
func (t *Txn) WorkingNodes() map[string]*dag.NodeRevision { return t.nodes }

// SetProp sets a transaction property (e.g. svn:log, svn:author).
func (t *Txn) SetProp(name, value string) { t.Props[name] = value }

// FlushProps persists the transaction's property map to disk.
func (t *Txn) FlushProps() error {
	return writePropsHash(filepath.Join(t.dir, "props"), t.Props)
}

// Journal exposes the changed-paths journal writer.
func (t *Txn) Journal() *Journal { return t.journal }

// EncodeProps renders a property map in the same K/V/END hash grammar
// readPropsHash/writePropsHash use on disk, for package commit to embed
// into a revprops file.
func EncodeProps(props map[string]string) []byte {
	var buf strings.Builder
	for name, value := range props {
		fmt.Fprintf(&buf, "K %d\n%s\nV %d\n%s\n", len(name), name, len(value), value)
	}
	buf.WriteString("END\n")
	return []byte(buf.String())
}

// Close flushes and closes the transaction's open handles. It does not
// remove the transaction directory; package repo decides whether a
// finished transaction is committed (and its directory removed) or
// aborted (left for cleanup, per spec.md's "partial clones are garbage"
// note).
func (t *Txn) Close() error {
	if err := t.journal.Close(); err != nil {
		return err
	}
	return t.proto.Close()
}

func readNextIDs(path string) (node, copyID uint64, err error) {
	data, rerr := os.ReadFile(path)
	if os.IsNotExist(rerr) {
		return 1, 1, nil
	}
	if rerr != nil {
		return 0, 0, rerr
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	n, err1 := strconv.ParseUint(fields[0], 10, 64)
	c, err2 := strconv.ParseUint(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, ferrors.NewPath(ferrors.CorruptFormatFile, path)
	}
	return n, c, nil
}

func writeNextIDs(path string, node, copyID uint64) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d %d\n", node, copyID)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readPropsHash/writePropsHash (de)serialize a string->string map using
// the same K/V/END hash grammar as directory fulltexts (spec §6.2), kept
// independent of package dirtree since properties have no kind/id pair.
func readPropsHash(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodePropsHash(bufio.NewReader(f), path)
}

// DecodeProps parses a revprops-file or transaction-props blob in the
// same K/V/END grammar readPropsHash reads off disk (package repo uses
// this to surface revision_prop[list] without duplicating the parser).
func DecodeProps(data []byte) (map[string]string, error) {
	return decodePropsHash(bufio.NewReader(bytes.NewReader(data)), "<props>")
}

func decodePropsHash(br *bufio.Reader, path string) (map[string]string, error) {
	props := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "END" || line == "" {
			break
		}
		if !strings.HasPrefix(line, "K ") {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, path)
		}
		klen, convErr := strconv.Atoi(line[2:])
		if convErr != nil {
			return nil, ferrors.Wrap(ferrors.CorruptFormatFile, path, convErr)
		}
		name := make([]byte, klen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, err
		}
		br.ReadByte()

		vline, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		vline = strings.TrimSuffix(vline, "\n")
		if !strings.HasPrefix(vline, "V ") {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, path)
		}
		vlen, convErr := strconv.Atoi(vline[2:])
		if convErr != nil {
			return nil, ferrors.Wrap(ferrors.CorruptFormatFile, path, convErr)
		}
		value := make([]byte, vlen)
		if _, err := io.ReadFull(br, value); err != nil {
			return nil, err
		}
		br.ReadByte()
		props[string(name)] = string(value)
	}
	return props, nil
}

func writePropsHash(path string, props map[string]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for name, value := range props {
		if _, err := fmt.Fprintf(bw, "K %d\n%s\nV %d\n%s\n", len(name), name, len(value), value); err != nil {
			f.Close()
			return err
		}
	}
	bw.WriteString("END\n")
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
