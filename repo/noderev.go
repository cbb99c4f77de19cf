package repo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/ferrors"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
)

// parseNodeHeader decodes the node-revision header record written by
// package commit's serializer (spec §6.2): a sequence of "key: value"
// lines terminated by a blank line. The record never carries the node's
// own node_id/copy_id/locator — the caller already knows those, since it
// is exactly the ID it looked the record up by — so the returned
// NodeRevision's ID field is left zero for the caller to fill in.
func parseNodeHeader(r io.Reader) (*dag.NodeRevision, error) {
	nr := &dag.NodeRevision{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			return nr, nil
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, ferrors.NewPath(ferrors.CorruptFormatFile, line)
		}
		switch key {
		case "type":
			switch val {
			case "dir":
				nr.Kind = dag.KindDir
			case "file":
				nr.Kind = dag.KindFile
			default:
				return nil, ferrors.NewPath(ferrors.CorruptFormatFile, line)
			}
		case "pred":
			predID, err := id.Parse(val)
			if err != nil {
				return nil, err
			}
			nr.PredecessorID = &predID
		case "count":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, ferrors.Wrap(ferrors.CorruptFormatFile, line, err)
			}
			nr.PredecessorCount = n
		case "text":
			k, err := parseRepLocator(val)
			if err != nil {
				return nil, err
			}
			nr.TextRep = &k
		case "props":
			k, err := parseRepLocator(val)
			if err != nil {
				return nil, err
			}
			nr.PropRep = &k
		case "cpath":
			nr.CreatedPath = val
		case "copyfrom":
			if nr.Copy == nil {
				nr.Copy = &dag.CopyInfo{}
			}
			rev, path, err := parseRevPath(val)
			if err != nil {
				return nil, err
			}
			nr.Copy.FromRev, nr.Copy.FromPath = rev, path
		case "copyroot":
			if nr.Copy == nil {
				nr.Copy = &dag.CopyInfo{}
			}
			rev, path, err := parseRevPath(val)
			if err != nil {
				return nil, err
			}
			nr.Copy.RootRev, nr.Copy.RootPath = rev, path
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nr, nil
}

func parseRevPath(val string) (int64, string, error) {
	rev, path, ok := strings.Cut(val, " ")
	if !ok {
		return 0, "", ferrors.NewPath(ferrors.CorruptFormatFile, val)
	}
	n, err := strconv.ParseInt(rev, 10, 64)
	if err != nil {
		return 0, "", ferrors.Wrap(ferrors.CorruptFormatFile, val, err)
	}
	return n, path, nil
}

// parseRepLocator parses the "rev offset size expandedSize md5 [sha1]"
// locator format written by commit's repLocator.
func parseRepLocator(s string) (rep.Key, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 6 {
		return rep.Key{}, ferrors.NewPath(ferrors.CorruptFormatFile, s)
	}
	var k rep.Key
	var err error
	if k.Revision, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return rep.Key{}, ferrors.Wrap(ferrors.CorruptFormatFile, s, err)
	}
	if k.Offset, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return rep.Key{}, ferrors.Wrap(ferrors.CorruptFormatFile, s, err)
	}
	if k.Size, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return rep.Key{}, ferrors.Wrap(ferrors.CorruptFormatFile, s, err)
	}
	if k.ExpandedSize, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
		return rep.Key{}, ferrors.Wrap(ferrors.CorruptFormatFile, s, err)
	}
	k.MD5 = fields[4]
	if len(fields) == 6 {
		k.SHA1 = fields[5]
	}
	return k, nil
}

// encodeNodeHeader renders nr in the same format parseNodeHeader reads
// (and commit's serializer writes): the inverse used by the one-off
// revision-0 bootstrap, which builds its root node-revision directly
// rather than through the commit pipeline.
func encodeNodeHeader(nr *dag.NodeRevision) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "type: %s\n", nodeKindString(nr.Kind))
	if nr.PredecessorID != nil {
		fmt.Fprintf(&buf, "pred: %s\n", id.Unparse(*nr.PredecessorID))
	}
	fmt.Fprintf(&buf, "count: %d\n", nr.PredecessorCount)
	if nr.TextRep != nil {
		fmt.Fprintf(&buf, "text: %s\n", encodeRepLocator(*nr.TextRep))
	}
	if nr.PropRep != nil {
		fmt.Fprintf(&buf, "props: %s\n", encodeRepLocator(*nr.PropRep))
	}
	fmt.Fprintf(&buf, "cpath: %s\n", nr.CreatedPath)
	if nr.Copy != nil {
		fmt.Fprintf(&buf, "copyfrom: %d %s\n", nr.Copy.FromRev, nr.Copy.FromPath)
		fmt.Fprintf(&buf, "copyroot: %d %s\n", nr.Copy.RootRev, nr.Copy.RootPath)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

func nodeKindString(k dag.Kind) string {
	if k == dag.KindDir {
		return "dir"
	}
	return "file"
}

func encodeRepLocator(k rep.Key) string {
	if k.SHA1 == "" {
		return fmt.Sprintf("%d %d %d %d %s", k.Revision, k.Offset, k.Size, k.ExpandedSize, k.MD5)
	}
	return fmt.Sprintf("%d %d %d %d %s %s", k.Revision, k.Offset, k.Size, k.ExpandedSize, k.MD5, k.SHA1)
}
