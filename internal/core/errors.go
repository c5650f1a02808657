package core

import (
	"errors"
	"fmt"

	"github.com/git-pkgs/pkgref/client"
)

var (
	// ErrIO is matched by manifest read and write failures.
	ErrIO = errors.New("manifest i/o failed")

	// ErrParse is matched when a manifest is not a well-formed document.
	ErrParse = errors.New("manifest is not well-formed")

	// ErrDuplicate is matched when adding a package the manifest already references.
	ErrDuplicate = errors.New("package already referenced")

	// ErrInvalidReference is matched when a name or version is empty.
	ErrInvalidReference = errors.New("invalid package reference")

	// ErrNotFound is shared with the registry client so a single check covers
	// both a missing manifest entry and a missing registry package.
	ErrNotFound = client.ErrNotFound

	// ErrNetwork is matched by registry failures.
	ErrNetwork = client.ErrNetwork
)

// IOError reports a failed manifest read or write. It matches both ErrIO and
// the underlying error, so errors.Is(err, fs.ErrNotExist) works.
type IOError struct {
	Op   string // "read", "write"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s manifest %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// ParseError reports manifest text that is not a well-formed document.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	loc := e.Path
	if loc == "" {
		loc = "manifest"
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", loc, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", loc, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

// DuplicateError is returned when adding a package that is already referenced.
type DuplicateError struct {
	Manifest string
	Name     string
	Existing PackageReference
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: package %s already referenced as %s %s", e.Manifest, e.Name, e.Existing.Name, e.Existing.Version)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// NotFoundError is returned when updating or deleting a package the manifest
// does not reference.
type NotFoundError struct {
	Manifest string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: package %s is not referenced", e.Manifest, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
