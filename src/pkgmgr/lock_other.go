//go:build !unix

package pkgmgr

// lockFile is a no-op where flock is unavailable; singleflight still
// serializes writers within the process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
