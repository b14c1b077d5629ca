//go:build phmap_debug

package phmap

import "fmt"

// assertInvariant aborts on an internal-invariant violation when built
// with -tags phmap_debug, matching PKLE_ASSERT_SYSTEM_ERROR_MSG's
// log-and-abort behavior in the C++ origin's debug configuration.
func assertInvariant(cond bool, msg string, keyvals ...interface{}) {
	if !cond {
		logInvariant(msg, keyvals...)
		panic(fmt.Sprintf("phmap: invariant violated: %s %v", msg, keyvals))
	}
}
