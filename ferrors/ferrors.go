// Package ferrors defines the closed error-kind enum used throughout svnfs.
//
// Numeric codes are stable: hooks and remote callers key off Kind, not off
// the wrapped message, so once a Kind is assigned it is never renumbered.
package ferrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable, closed enumeration of engine failure classes (spec §7).
type Kind int

const (
	// Unknown is never produced by this package; it is the zero value so a
	// Kind left unset is visibly wrong rather than silently "ok".
	Unknown Kind = iota
	FsNotOpen
	NotFound
	AlreadyExists
	NotMutable
	NotDirectory
	NotFile
	PathSyntax
	Conflict
	TxnOutOfDate
	CorruptNodeRevisionID
	CorruptFormatFile
	CorruptDirectory
	CorruptRepresentation
	ChecksumMismatch
	NoSuchTransaction
	NoSuchRevision
	NoSuchCopy
	NoSuchLock
	LockExpired
	PathAlreadyLocked
	LockOwnerMismatch
	BadLockToken
	NoUser
	Cancelled
	BadCheckSumKind
	UnsupportedFormat
)

var names = map[Kind]string{
	Unknown:               "Unknown",
	FsNotOpen:             "FsNotOpen",
	NotFound:              "NotFound",
	AlreadyExists:         "AlreadyExists",
	NotMutable:            "NotMutable",
	NotDirectory:          "NotDirectory",
	NotFile:               "NotFile",
	PathSyntax:            "PathSyntax",
	Conflict:              "Conflict",
	TxnOutOfDate:          "TxnOutOfDate",
	CorruptNodeRevisionID: "CorruptNodeRevisionId",
	CorruptFormatFile:     "CorruptFormatFile",
	CorruptDirectory:      "CorruptDirectory",
	CorruptRepresentation: "CorruptRepresentation",
	ChecksumMismatch:      "ChecksumMismatch",
	NoSuchTransaction:     "NoSuchTransaction",
	NoSuchRevision:        "NoSuchRevision",
	NoSuchCopy:            "NoSuchCopy",
	NoSuchLock:            "NoSuchLock",
	LockExpired:           "LockExpired",
	PathAlreadyLocked:     "PathAlreadyLocked",
	LockOwnerMismatch:     "LockOwnerMismatch",
	BadLockToken:          "BadLockToken",
	NoUser:                "NoUser",
	Cancelled:             "Cancelled",
	BadCheckSumKind:       "BadCheckSumKind",
	UnsupportedFormat:     "UnsupportedFormat",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a Kind paired with a path (when relevant) and a wrapped cause.
type Error struct {
	Kind  Kind
	Path  string
	cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Kind error with no path or cause.
func New(k Kind) *Error { return &Error{Kind: k} }

// NewPath builds a Kind error carrying the offending path (Conflict,
// NotFound, PathSyntax, ...).
func NewPath(k Kind, path string) *Error { return &Error{Kind: k, Path: path} }

// Wrap attaches Kind to an underlying cause, preserving the cause's stack
// trace via github.com/pkg/errors so Corrupt*/ChecksumMismatch failures keep
// enough context for a CLI or log line to point at the real I/O failure.
func Wrap(k Kind, path string, cause error) *Error {
	if cause == nil {
		return &Error{Kind: k, Path: path}
	}
	return &Error{Kind: k, Path: path, cause: errors.WithStack(cause)}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, k Kind) bool {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		err = errors.Unwrap(err)
	}
	return fe != nil && fe.Kind == k
}
