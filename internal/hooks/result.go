package hooks

// Result is the tagged return value of a hook callback. "Stop
// processing" is an explicit variant, never an ambiguous nil.
type Result struct {
	kind   resultKind
	value  any
	reason string
	err    error
}

type resultKind int

const (
	resultContinue resultKind = iota
	resultVeto
	resultError
)

// Continue passes value to the next callback (or back to the stage when
// this was the last one).
func Continue(value any) Result {
	return Result{kind: resultContinue, value: value}
}

// Veto stops dispatch for this point. Each pipeline stage interprets a
// veto contextually; reason is surfaced to the caller.
func Veto(reason string) Result {
	return Result{kind: resultVeto, reason: reason}
}

// Error marks this callback as failed. The dispatcher records the error
// against the owning plugin, leaves the threaded value unchanged, and
// continues with the next callback.
func Error(err error) Result {
	return Result{kind: resultError, err: err}
}

// VetoSignal reports which registration vetoed a dispatch and why. It is
// a control value, not an error.
type VetoSignal struct {
	Point  Point
	Owner  string
	Reason string
}
