// Package collab declares the collaborators named in spec.md §1 that sit
// outside the core storage engine — report/update REPORT editors, WebDAV
// resource mapping, activity dispatch, and mergeinfo computation — as
// interfaces with stub implementations. Wire protocol framing for any of
// these is explicitly out of scope; the stubs exist so callers outside
// this module can depend on a stable shape without this engine having to
// speak HTTP, WebDAV, or the editor/delta-baton protocol itself.
package collab

import (
	"errors"

	"github.com/rcowham/svnfs/tree"
)

// ErrNotImplemented is returned by every stub method in this package.
var ErrNotImplemented = errors.New("collab: not implemented")

// ReportEditor receives the output of a REPORT-driven tree comparison
// (the update/status/diff machinery mod_dav_svn's update.c drives),
// walking additions, deletions, and text/prop deltas in path order.
type ReportEditor interface {
	OpenRoot(baseRev int64) error
	AddFile(path string, copyFromPath string, copyFromRev int64) error
	OpenFile(path string, baseRev int64) error
	DeleteEntry(path string, baseRev int64) error
	ChangeFileProp(path, name, value string) error
	ApplyTextDelta(path string, baseChecksum string) error
	CloseFile(path string, textChecksum string) error
	CloseEdit() error
}

// StubReportEditor implements ReportEditor by rejecting every call.
type StubReportEditor struct{}

var _ ReportEditor = StubReportEditor{}
var _ ResourceMapper = StubResourceMapper{}
var _ ActivityDispatcher = StubActivityDispatcher{}
var _ MergeInfoProvider = StubMergeInfoProvider{}

func (StubReportEditor) OpenRoot(baseRev int64) error                     { return ErrNotImplemented }
func (StubReportEditor) AddFile(path, copyFromPath string, copyFromRev int64) error {
	return ErrNotImplemented
}
func (StubReportEditor) OpenFile(path string, baseRev int64) error        { return ErrNotImplemented }
func (StubReportEditor) DeleteEntry(path string, baseRev int64) error     { return ErrNotImplemented }
func (StubReportEditor) ChangeFileProp(path, name, value string) error   { return ErrNotImplemented }
func (StubReportEditor) ApplyTextDelta(path, baseChecksum string) error  { return ErrNotImplemented }
func (StubReportEditor) CloseFile(path, textChecksum string) error       { return ErrNotImplemented }
func (StubReportEditor) CloseEdit() error                                 { return ErrNotImplemented }

// ResourceMapper maps a WebDAV request URI to the repository path and
// revision it names (mod_dav_svn's repos.c resource-parsing layer).
type ResourceMapper interface {
	ParseURI(uri string) (repoPath string, rev int64, err error)
	URIFor(repoPath string, rev int64) (uri string, err error)
}

// StubResourceMapper implements ResourceMapper by rejecting every call.
type StubResourceMapper struct{}

func (StubResourceMapper) ParseURI(uri string) (string, int64, error) {
	return "", 0, ErrNotImplemented
}
func (StubResourceMapper) URIFor(repoPath string, rev int64) (string, error) {
	return "", ErrNotImplemented
}

// ActivityDispatcher tracks DeltaV activities (mod_dav_svn's activity.c):
// the association between a client-chosen activity UUID and the
// transaction it drives through MKACTIVITY/CHECKOUT/MERGE.
type ActivityDispatcher interface {
	CreateActivity(activityID string) (txnID string, err error)
	ActivityTxn(activityID string) (txnID string, err error)
	MergeActivity(activityID string) (rev int64, err error)
	DeleteActivity(activityID string) error
}

// StubActivityDispatcher implements ActivityDispatcher by rejecting
// every call.
type StubActivityDispatcher struct{}

func (StubActivityDispatcher) CreateActivity(activityID string) (string, error) {
	return "", ErrNotImplemented
}
func (StubActivityDispatcher) ActivityTxn(activityID string) (string, error) {
	return "", ErrNotImplemented
}
func (StubActivityDispatcher) MergeActivity(activityID string) (int64, error) {
	return 0, ErrNotImplemented
}
func (StubActivityDispatcher) DeleteActivity(activityID string) error { return ErrNotImplemented }

// MergeInfoProvider computes svn:mergeinfo for a path as of a revision
// root (libsvn_ra_serf's merge.c/mergeinfo.c client-side counterpart;
// the actual merge-tracking computation over a mergeinfo property is a
// non-goal here — this is the seam a future implementation would fill).
type MergeInfoProvider interface {
	GetMergeInfo(root tree.Root, path string) (map[string][]RevisionRange, error)
}

// RevisionRange is one contiguous merged range, inclusive of both ends.
type RevisionRange struct {
	Start, End int64
}

// StubMergeInfoProvider implements MergeInfoProvider by rejecting every
// call.
type StubMergeInfoProvider struct{}

func (StubMergeInfoProvider) GetMergeInfo(root tree.Root, path string) (map[string][]RevisionRange, error) {
	return nil, ErrNotImplemented
}
