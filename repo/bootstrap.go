package repo

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/revfile"
	"github.com/rcowham/svnfs/txn"
)

// bootstrapRevisionZero commits the repository's initial, empty
// revision directly against revfile (rather than through the commit
// pipeline, which needs an existing youngest revision to merge against):
// an empty root directory, written PLAIN, with no changed paths.
func (fs *Fs) bootstrapRevisionZero() error {
	scratchDir := filepath.Join(fs.root, "transactions", "0-bootstrap.txn")
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return err
	}
	defer os.RemoveAll(scratchDir)

	proto, err := revfile.OpenProto(scratchDir)
	if err != nil {
		return err
	}

	var dirBuf bytes.Buffer
	if err := dirtree.New().Serialize(&dirBuf); err != nil {
		proto.Close()
		return err
	}

	w := rep.NewWriter(proto, nil, false, fs.logger)
	if _, err := w.Write(dirBuf.Bytes()); err != nil {
		proto.Close()
		return err
	}
	res, err := w.Close(nil)
	if err != nil {
		proto.Close()
		return err
	}

	rootNR := &dag.NodeRevision{
		ID:          id.ID{NodeID: 0, CopyID: 0, Rev: 0, Offset: -1},
		Kind:        dag.KindDir,
		CreatedPath: "/",
		TextRep:     &res.Key,
	}
	headerOffset, err := proto.WriteRaw(encodeNodeHeader(rootNR))
	if err != nil {
		proto.Close()
		return err
	}

	changesOffset, err := proto.WriteRaw(nil)
	if err != nil {
		proto.Close()
		return err
	}

	var trailer bytes.Buffer
	if err := revfile.WriteTrailer(&trailer, revfile.Trailer{
		RootOffset:         headerOffset,
		ChangedPathsOffset: changesOffset,
	}); err != nil {
		proto.Close()
		return err
	}
	if _, err := proto.Append(trailer.Bytes()); err != nil {
		proto.Close()
		return err
	}

	protoPath := proto.Path()
	if err := proto.Close(); err != nil {
		return err
	}
	if err := fs.store.Finalize(protoPath, 0); err != nil {
		return err
	}
	if err := fs.store.WriteRevprops(0, txn.EncodeProps(map[string]string{})); err != nil {
		return err
	}
	return fs.store.WriteCurrent(0)
}
