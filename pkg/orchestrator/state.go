package orchestrator

// State is a step of the per-request cascade.
type State int

// Cascade states. A request visits them in declaration order, leaving early
// through StateHit on a cache hit, StateDenied on admission denial or
// StateFailed when no answer could be produced.
const (
	StateStart State = iota
	StateExactCheck
	StateSemanticCheck
	StateAdmissionCheck
	StateInvoke
	StatePopulate
	StateHit
	StateDone
	StateDenied
	StateFailed
)

var stateNames = [...]string{
	StateStart:          "start",
	StateExactCheck:     "exact_check",
	StateSemanticCheck:  "semantic_check",
	StateAdmissionCheck: "admission_check",
	StateInvoke:         "invoke",
	StatePopulate:       "populate",
	StateHit:            "hit",
	StateDone:           "done",
	StateDenied:         "denied",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the cascade stops at s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDenied || s == StateFailed
}
