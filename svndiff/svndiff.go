// Package svndiff implements the windowed delta stream format used to
// encode representations as deltas against an earlier representation
// (spec §3.3, §4.3, §6.2). Two wire versions are supported: version 0 is
// a raw window stream; version 1 additionally zlib-compresses each
// window's instruction and data sections.
package svndiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/rcowham/svnfs/ferrors"
)

// Version selects the on-the-wire window encoding.
type Version int

const (
	Version0 Version = 0 // no compression
	Version1 Version = 1 // zlib-compressed instruction/data sections
)

// Magic bytes prefixing a svndiff stream, mirroring the four-byte
// "SVN\0"/"SVN\1" header real svndiff streams carry so a reader can tell
// version 0 from version 1 without out-of-band information.
var magic = [2][4]byte{
	Version0: {'S', 'V', 'N', 0},
	Version1: {'S', 'V', 'N', 1},
}

// OpKind is the kind of a single copy instruction within a window.
type OpKind byte

const (
	// CopySource copies bytes from the base (source) representation.
	CopySource OpKind = iota
	// CopyTarget copies bytes already reconstructed: its offset indexes the
	// output of every earlier window followed by this window's output so
	// far (back-references within the reconstructed text).
	CopyTarget
	// CopyNew copies bytes directly out of the window's new-data section.
	CopyNew
)

// Op is one copy instruction inside a window.
type Op struct {
	Kind   OpKind
	Offset int // meaningful for CopySource/CopyTarget
	Length int
}

// Window is one svndiff window: a source-view range, a target length, and
// the instructions plus literal bytes that reconstruct the target view.
type Window struct {
	SourceOffset int
	SourceLength int
	TargetLength int
	Ops          []Op
	NewData      []byte
}

// Encode writes a sequence of windows, each one wrapping `target` fully
// against `base` via at most one CopySource (when the window's chunk shares
// a non-empty prefix with base) plus one CopyNew of literal bytes for
// whatever that prefix doesn't cover. Real-world
// svndiff encoders compute a much tighter instruction set (LCS-style diff);
// this encoder favors correctness and a small, auditable instruction set
// over minimal output size, matching what a writer that always has the
// full base and target fulltexts in hand needs: the windowed *framing* is
// what representations require on disk, not a particular diff algorithm.
func Encode(w io.Writer, version Version, base, target []byte) error {
	if _, err := w.Write(magic[version][:]); err != nil {
		return err
	}
	const maxWindow = 1 << 20 // 1 MiB target view per window caps memory use
	for off := 0; off < len(target) || (off == 0 && len(target) == 0); {
		end := off + maxWindow
		if end > len(target) {
			end = len(target)
		}
		chunk := target[off:end]
		win := buildWindow(base, chunk)
		if err := writeWindow(w, version, win); err != nil {
			return err
		}
		if end == len(target) {
			break
		}
		off = end
	}
	return nil
}

// buildWindow produces a single window reconstructing `chunk` by copying
// the overlapping prefix of base (if any) then appending the remainder as
// literal new data. This is a deliberately simple instruction shape: one
// CopySource for the common prefix, one CopyNew for the rest.
func buildWindow(base, chunk []byte) Window {
	common := commonPrefixLen(base, chunk)
	win := Window{SourceOffset: 0, SourceLength: common, TargetLength: len(chunk)}
	if common > 0 {
		win.Ops = append(win.Ops, Op{Kind: CopySource, Offset: 0, Length: common})
	}
	if rest := chunk[common:]; len(rest) > 0 {
		win.Ops = append(win.Ops, Op{Kind: CopyNew, Offset: len(win.NewData), Length: len(rest)})
		win.NewData = append(win.NewData, rest...)
	}
	return win
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeWindow(w io.Writer, version Version, win Window) error {
	var instr bytes.Buffer
	for _, op := range win.Ops {
		writeUvarint(&instr, uint64(op.Kind))
		writeUvarint(&instr, uint64(op.Offset))
		writeUvarint(&instr, uint64(op.Length))
	}
	instrBytes := instr.Bytes()
	dataBytes := win.NewData
	if version == Version1 {
		var err error
		instrBytes, err = deflate(instrBytes)
		if err != nil {
			return err
		}
		dataBytes, err = deflate(dataBytes)
		if err != nil {
			return err
		}
	}

	var hdr bytes.Buffer
	writeUvarint(&hdr, uint64(win.SourceOffset))
	writeUvarint(&hdr, uint64(win.SourceLength))
	writeUvarint(&hdr, uint64(win.TargetLength))
	writeUvarint(&hdr, uint64(len(win.Ops)))
	writeUvarint(&hdr, uint64(len(instrBytes)))
	writeUvarint(&hdr, uint64(len(dataBytes)))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(instrBytes); err != nil {
		return err
	}
	_, err := w.Write(dataBytes)
	return err
}

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(p []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// Apply reconstructs the target fulltext of a svndiff stream given the
// base fulltext it was encoded against. A delta chain of arbitrary depth
// is handled by the caller (package rep) calling Apply once per level with
// the previous level's output as base.
func Apply(r io.Reader, base []byte) ([]byte, error) {
	br := bufReader(r)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	version, err := versionOf(hdr)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for {
		win, ok, err := readWindow(br, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		target, err := reconstruct(win, base, out.Bytes())
		if err != nil {
			return nil, err
		}
		out.Write(target)
	}
	return out.Bytes(), nil
}

func versionOf(hdr [4]byte) (Version, error) {
	for v, m := range magic {
		if m == hdr {
			return Version(v), nil
		}
	}
	return 0, ferrors.NewPath(ferrors.CorruptRepresentation, "bad svndiff magic")
}

// bufReader avoids importing bufio at the package boundary so Apply can
// accept any io.Reader while still doing single-byte uvarint reads
// efficiently.
func bufReader(r io.Reader) io.Reader {
	type byteReader interface{ io.ByteReader }
	if _, ok := r.(byteReader); ok {
		return r
	}
	return &byteBuf{r: r}
}

type byteBuf struct {
	r   io.Reader
	buf [4096]byte
	n   int
	pos int
}

func (b *byteBuf) Read(p []byte) (int, error) {
	if b.pos < b.n {
		n := copy(p, b.buf[b.pos:b.n])
		b.pos += n
		return n, nil
	}
	return b.r.Read(p)
}

func (b *byteBuf) ReadByte() (byte, error) {
	if b.pos >= b.n {
		n, err := b.r.Read(b.buf[:])
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.n = n
		b.pos = 0
	}
	c := b.buf[b.pos]
	b.pos++
	return c, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		return 0, ferrors.New(ferrors.CorruptRepresentation)
	}
	return binary.ReadUvarint(br)
}

func readWindow(r io.Reader, version Version) (Window, bool, error) {
	srcOff, err := readUvarint(r)
	if err == io.EOF {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	srcLen, err := readUvarint(r)
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	tgtLen, err := readUvarint(r)
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	numOps, err := readUvarint(r)
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	instrLen, err := readUvarint(r)
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	dataLen, err := readUvarint(r)
	if err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}

	instrBytes := make([]byte, instrLen)
	if _, err := io.ReadFull(r, instrBytes); err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}
	dataBytes := make([]byte, dataLen)
	if _, err := io.ReadFull(r, dataBytes); err != nil {
		return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
	}

	if version == Version1 {
		var derr error
		instrBytes, derr = inflate(instrBytes)
		if derr != nil {
			return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", derr)
		}
		dataBytes, derr = inflate(dataBytes)
		if derr != nil {
			return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", derr)
		}
	}

	win := Window{
		SourceOffset: int(srcOff),
		SourceLength: int(srcLen),
		TargetLength: int(tgtLen),
		NewData:      dataBytes,
	}
	instrReader := bytes.NewReader(instrBytes)
	for i := uint64(0); i < numOps; i++ {
		kind, err := binary.ReadUvarint(instrReader)
		if err != nil {
			return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
		}
		offset, err := binary.ReadUvarint(instrReader)
		if err != nil {
			return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
		}
		length, err := binary.ReadUvarint(instrReader)
		if err != nil {
			return Window{}, false, ferrors.Wrap(ferrors.CorruptRepresentation, "", err)
		}
		win.Ops = append(win.Ops, Op{Kind: OpKind(kind), Offset: int(offset), Length: int(length)})
	}
	return win, true, nil
}

func reconstruct(win Window, base, targetSoFar []byte) ([]byte, error) {
	out := make([]byte, 0, win.TargetLength)
	for _, op := range win.Ops {
		switch op.Kind {
		case CopySource:
			start := win.SourceOffset + op.Offset
			end := start + op.Length
			if start < 0 || end > len(base) || end < start {
				return nil, ferrors.New(ferrors.CorruptRepresentation)
			}
			out = append(out, base[start:end]...)
		case CopyTarget:
			start := op.Offset
			end := start + op.Length
			full := append(append([]byte{}, targetSoFar...), out...)
			if start < 0 || end > len(full) || end < start {
				return nil, ferrors.New(ferrors.CorruptRepresentation)
			}
			out = append(out, full[start:end]...)
		case CopyNew:
			start := op.Offset
			end := start + op.Length
			if start < 0 || end > len(win.NewData) || end < start {
				return nil, ferrors.New(ferrors.CorruptRepresentation)
			}
			out = append(out, win.NewData[start:end]...)
		default:
			return nil, ferrors.New(ferrors.CorruptRepresentation)
		}
	}
	if len(out) != win.TargetLength {
		return nil, ferrors.New(ferrors.CorruptRepresentation)
	}
	return out, nil
}
