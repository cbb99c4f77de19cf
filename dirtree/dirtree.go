// Package dirtree holds the in-memory representation of a single
// directory's children (name -> kind/id entries) and its on-disk
// fulltext (de)serialization (spec §3.4, §6.2). Structurally it is the
// teacher's node/node.go path tree, generalized from a file-existence
// index to a kind+id directory listing, but flattened to one level: each
// dag.NodeRevision of Kind dir already has its own Directory, so nothing
// here needs to index more than one directory's immediate children.
package dirtree

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
)

// Kind distinguishes a directory entry's target type.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "file":
		return KindFile, true
	case "dir":
		return KindDir, true
	default:
		return 0, false
	}
}

// Entry is one name -> (kind, node-revision id) binding.
type Entry struct {
	Name string
	Kind Kind
	ID   id.ID
}

// Directory is the unordered name -> Entry mapping that is a directory
// node's fulltext (spec §3.4: "the mapping carries no intrinsic order").
type Directory struct {
	entries map[string]Entry
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{entries: map[string]Entry{}}
}

// NormalizeName applies the validation and NFC normalization spec §3.4
// requires of every entry name: reject empty, ".", "..", embedded NUL or
// "/", then fold to Unicode Normalization Form C.
func NormalizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ferrors.NewPath(ferrors.PathSyntax, name)
	}
	if strings.ContainsAny(name, "\x00/") {
		return "", ferrors.NewPath(ferrors.PathSyntax, name)
	}
	return norm.NFC.String(name), nil
}

// Set inserts or replaces the entry for name, normalizing and validating
// it first.
func (d *Directory) Set(name string, kind Kind, nodeID id.ID) error {
	n, err := NormalizeName(name)
	if err != nil {
		return err
	}
	d.entries[n] = Entry{Name: n, Kind: kind, ID: nodeID}
	return nil
}

// Remove deletes the entry for name, a no-op if absent.
func (d *Directory) Remove(name string) {
	n, err := NormalizeName(name)
	if err != nil {
		return
	}
	delete(d.entries, n)
}

// Get looks up name.
func (d *Directory) Get(name string) (Entry, bool) {
	n, err := NormalizeName(name)
	if err != nil {
		return Entry{}, false
	}
	e, ok := d.entries[n]
	return e, ok
}

// Len returns the entry count.
func (d *Directory) Len() int { return len(d.entries) }

// SortedNames returns entry names in a deterministic order, used for
// serialization and diffing.
func (d *Directory) SortedNames() []string {
	names := make([]string, 0, len(d.entries))
	for n := range d.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entries returns a copy of the entry list in SortedNames order.
func (d *Directory) Entries() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, n := range d.SortedNames() {
		out = append(out, d.entries[n])
	}
	return out
}

// Clone returns a deep copy, used when bubbling up a mutable parent
// during cloning (package dag owns the cloning policy; dirtree only
// supplies the copy primitive).
func (d *Directory) Clone() *Directory {
	c := New()
	for k, v := range d.entries {
		c.entries[k] = v
	}
	return c
}

// Serialize writes the directory's canonical on-disk fulltext: one
// "K <len>\n<name>\nV <len>\n<kind> <id>\n" record per entry in
// SortedNames order, terminated by "END\n" (spec §6.2).
func (d *Directory) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, name := range d.SortedNames() {
		e := d.entries[name]
		value := e.Kind.String() + " " + id.Unparse(e.ID)
		if _, err := fmt.Fprintf(bw, "K %d\n%s\nV %d\n%s\n", len(name), name, len(value), value); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("END\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Deserialize parses the fulltext format Serialize writes.
func Deserialize(r io.Reader) (*Directory, error) {
	d := New()
	br := bufio.NewReader(r)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, "", err)
		}
		if line == "END" {
			return d, nil
		}
		name, nlen, err := readKeyHeader(line)
		if err != nil {
			return nil, err
		}
		nameBuf := make([]byte, nlen)
		if _, err := io.ReadFull(br, nameBuf); err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, name, err)
		}
		if _, err := br.ReadByte(); err != nil { // trailing \n
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, name, err)
		}

		vline, err := readLine(br)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, string(nameBuf), err)
		}
		_, vlen, err := readValueHeader(vline)
		if err != nil {
			return nil, err
		}
		valBuf := make([]byte, vlen)
		if _, err := io.ReadFull(br, valBuf); err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, string(nameBuf), err)
		}
		if _, err := br.ReadByte(); err != nil {
			return nil, ferrors.Wrap(ferrors.CorruptDirectory, string(nameBuf), err)
		}

		fields := strings.SplitN(string(valBuf), " ", 2)
		if len(fields) != 2 {
			return nil, ferrors.NewPath(ferrors.CorruptDirectory, string(nameBuf))
		}
		kind, ok := parseKind(fields[0])
		if !ok {
			return nil, ferrors.NewPath(ferrors.CorruptDirectory, string(nameBuf))
		}
		parsedID, err := id.Parse(fields[1])
		if err != nil {
			return nil, err
		}
		d.entries[string(nameBuf)] = Entry{Name: string(nameBuf), Kind: kind, ID: parsedID}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readKeyHeader(line string) (name string, length int, err error) {
	if !strings.HasPrefix(line, "K ") {
		return "", 0, ferrors.NewPath(ferrors.CorruptDirectory, line)
	}
	n, convErr := strconv.Atoi(line[2:])
	if convErr != nil {
		return "", 0, ferrors.Wrap(ferrors.CorruptDirectory, line, convErr)
	}
	return "", n, nil
}

func readValueHeader(line string) (name string, length int, err error) {
	if !strings.HasPrefix(line, "V ") {
		return "", 0, ferrors.NewPath(ferrors.CorruptDirectory, line)
	}
	n, convErr := strconv.Atoi(line[2:])
	if convErr != nil {
		return "", 0, ferrors.Wrap(ferrors.CorruptDirectory, line, convErr)
	}
	return "", n, nil
}

