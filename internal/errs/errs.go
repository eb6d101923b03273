// Package errs defines the fatal/warning error taxonomy for envpack.
//
// Every kind below is a sentinel that callers compare against with
// errors.Is; each concrete error also carries the offending path or
// package so the message is actionable without string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error taxonomy entries from the spec.
type Kind string

const (
	MissingPackageCache  Kind = "missing_package_cache"
	ConflictingOwnership Kind = "conflicting_ownership"
	MissingManagedFile   Kind = "missing_managed_file"
	DestinationTooLong   Kind = "destination_prefix_too_long"
	CrossPrefixInstall   Kind = "cross_prefix_install"
	OutputExists         Kind = "output_exists"
	FormatUnavailable    Kind = "format_unavailable"
	PathTooLongForFormat Kind = "path_too_long_for_format"
	WorkerFailure        Kind = "worker_failure"
	Cancelled            Kind = "cancelled"
	EditablePackageFound Kind = "editable_package_found"
	ParcelOptionConflict Kind = "parcel_option_conflict"
)

// sentinels, one per Kind, so callers can do errors.Is(err, errs.ErrOutputExists).
var (
	ErrMissingPackageCache  = errors.New(string(MissingPackageCache))
	ErrConflictingOwnership = errors.New(string(ConflictingOwnership))
	ErrMissingManagedFile   = errors.New(string(MissingManagedFile))
	ErrDestinationTooLong   = errors.New(string(DestinationTooLong))
	ErrCrossPrefixInstall   = errors.New(string(CrossPrefixInstall))
	ErrOutputExists         = errors.New(string(OutputExists))
	ErrFormatUnavailable    = errors.New(string(FormatUnavailable))
	ErrPathTooLongForFormat = errors.New(string(PathTooLongForFormat))
	ErrWorkerFailure        = errors.New(string(WorkerFailure))
	ErrCancelled            = errors.New(string(Cancelled))
	ErrEditablePackageFound = errors.New(string(EditablePackageFound))
	ErrParcelOptionConflict = errors.New(string(ParcelOptionConflict))
)

var sentinels = map[Kind]error{
	MissingPackageCache:  ErrMissingPackageCache,
	ConflictingOwnership: ErrConflictingOwnership,
	MissingManagedFile:   ErrMissingManagedFile,
	DestinationTooLong:   ErrDestinationTooLong,
	CrossPrefixInstall:   ErrCrossPrefixInstall,
	OutputExists:         ErrOutputExists,
	FormatUnavailable:    ErrFormatUnavailable,
	PathTooLongForFormat: ErrPathTooLongForFormat,
	WorkerFailure:        ErrWorkerFailure,
	Cancelled:            ErrCancelled,
	EditablePackageFound: ErrEditablePackageFound,
	ParcelOptionConflict: ErrParcelOptionConflict,
}

// Error wraps a Kind with contextual detail. It unwraps to the kind's
// sentinel so errors.Is(err, errs.ErrOutputExists) works regardless of
// the message text.
type Error struct {
	Kind    Kind
	Path    string // offending relative path, if any
	Package string // offending package "name-version-build", if any
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Package != "" {
		msg += fmt.Sprintf(" (package %s)", e.Package)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %s)", e.Path)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinels[e.Kind]
}

// New builds an *Error for kind with the given detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WithPath attaches a path to the error and returns it (for chaining).
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithPackage attaches a package identity to the error and returns it.
func (e *Error) WithPackage(pkg string) *Error {
	e.Package = pkg
	return e
}

// Wrap builds an *Error for kind, wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Severity controls whether a Kind is fatal or merely a warning under
// the caller's current configuration.
type Severity int

const (
	Fatal Severity = iota
	Warning
)

// SeverityPolicy maps downgradable kinds to their effective severity.
// Kinds absent from the overrides map are always Fatal.
type SeverityPolicy struct {
	overrides map[Kind]Severity
}

// NewSeverityPolicy builds a policy with the given downgrades applied.
// ignoreMissingFiles downgrades MissingManagedFile; ignoreLongPaths
// downgrades PathTooLongForFormat.
func NewSeverityPolicy(ignoreMissingFiles, ignoreLongPaths bool) *SeverityPolicy {
	p := &SeverityPolicy{overrides: map[Kind]Severity{}}
	if ignoreMissingFiles {
		p.overrides[MissingManagedFile] = Warning
	}
	if ignoreLongPaths {
		p.overrides[PathTooLongForFormat] = Warning
	}
	return p
}

// Severity reports the effective severity of kind under this policy.
func (p *SeverityPolicy) Severity(kind Kind) Severity {
	if p == nil {
		return Fatal
	}
	if s, ok := p.overrides[kind]; ok {
		return s
	}
	return Fatal
}

// IsFatal reports whether err (given this policy) should abort the run.
func (p *SeverityPolicy) IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return p.Severity(e.Kind) == Fatal
	}
	return true
}
