//go:build !phmap_debug

package phmap

// assertInvariant logs an internal-invariant violation (double free,
// a node that cannot be unlinked during InsertUnique or a rekey). In
// the non-debug build
// this is diagnostic only; the calling operation proceeds per spec.
func assertInvariant(cond bool, msg string, keyvals ...interface{}) {
	if !cond {
		logInvariant(msg, keyvals...)
	}
}
