package phmap

import "github.com/go-kit/log"

// diagLog receives invariant-violation and watchdog-exhaustion reports.
// It is a no-op by default; callers that want visibility into internal
// diagnostics (double release, lost node during rekey, watchdog
// exhaustion) install their own logger.
var diagLog log.Logger = log.NewNopLogger()

// SetDiagnosticsLogger installs the logger used to report internal
// diagnostics: double-release of a slot, a node that cannot be unlinked
// during InsertUnique or a rekey, or a lock spin-wait watchdog
// exhausting its retry budget. None of these stop the calling operation
// under the non-debug build; see debug_on.go for the debug-abort form.
func SetDiagnosticsLogger(l log.Logger) {
	if l == nil {
		l = log.NewNopLogger()
	}
	diagLog = l
}

func logInvariant(msg string, keyvals ...interface{}) {
	_ = diagLog.Log(append([]interface{}{"msg", msg}, keyvals...)...)
}
