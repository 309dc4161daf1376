package pkgmgr

import "fmt"

// UnresolvedPackage is returned when no repository offers a version of a
// package that satisfies every constraint placed on it.
type UnresolvedPackage struct {
	Name        string
	Constraints []string
	Reason      string
}

func (e *UnresolvedPackage) Error() string {
	msg := fmt.Sprintf("unresolved package %q", e.Name)
	if len(e.Constraints) > 0 {
		msg += fmt.Sprintf(" (constraints %v)", e.Constraints)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DownloadError is returned when a package archive or repository index cannot
// be fetched or does not match its pinned checksum.
type DownloadError struct {
	Package string
	URL     string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s (%s): %v", e.Package, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ChecksumError reports content that does not hash to the expected digest.
type ChecksumError struct {
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: want %s, got %s", e.Want, e.Got)
}
