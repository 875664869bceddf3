package agent

// Gate decides whether a plan batch must wait for explicit user approval.
// The decision is a pure function of the plan function names; whatever the
// model claimed about confirmation is never consulted.
type Gate struct {
	sideEffecting map[FunctionName]bool
}

// DefaultGate treats every known function as side-effecting.
var DefaultGate = NewGate(AllFunctions...)

// NewGate builds a gate whose side-effecting set is exactly names.
func NewGate(names ...FunctionName) Gate {
	set := make(map[FunctionName]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return Gate{sideEffecting: set}
}

func (g Gate) RequiresConfirmation(plans []Plan) bool {
	for _, plan := range plans {
		if g.sideEffecting[plan.FunctionName] {
			return true
		}
	}
	return false
}

// RequiresConfirmation applies DefaultGate.
func RequiresConfirmation(plans []Plan) bool {
	return DefaultGate.RequiresConfirmation(plans)
}
