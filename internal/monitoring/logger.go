package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Errorf logs a run-affecting condition that does not itself abort the
// run (an empty-occupancy commit, a failed-run metadata write) — the
// pipeline keeps going, but the condition belongs in an operator's error
// triage, not buried at the same level as routine progress messages.
func Errorf(format string, v ...interface{}) {
	Logf("ERROR "+format, v...)
}

// Warnf logs a condition worth an operator's attention that the
// pipeline handles on its own, such as a coarsening controller marking
// a run partial.
func Warnf(format string, v ...interface{}) {
	Logf("WARN "+format, v...)
}
