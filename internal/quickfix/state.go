package quickfix

import (
	"fmt"
	"strings"
)

// State of a Task. The numeric order is the order of both apply and revoke
// flows, so a valid transition always moves to a greater value.
type State int

const (
	StateInit State = iota
	StateDeploying
	StateDeployed
	StateCheckRunning
	StateAwaitingProcessDeath
	StateAwaitingUnload
	StateSwitching
	StateSwitched
	StateSwitchingBack
	StateDeleting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:                 "INIT",
	StateDeploying:            "DEPLOYING",
	StateDeployed:             "DEPLOYED",
	StateCheckRunning:         "CHECK_RUNNING",
	StateAwaitingProcessDeath: "AWAITING_PROCESS_DEATH",
	StateAwaitingUnload:       "AWAITING_UNLOAD",
	StateSwitching:            "SWITCHING",
	StateSwitched:             "SWITCHED",
	StateSwitchingBack:        "SWITCHING_BACK",
	StateDeleting:             "DELETING",
	StateDone:                 "DONE",
	StateFailed:               "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is DONE or FAILED.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Type of a Task.
type Type int

const (
	TypeApply Type = iota
	TypeRevoke
)

func (t Type) String() string {
	switch t {
	case TypeApply:
		return "APPLY"
	case TypeRevoke:
		return "REVOKE"
	default:
		return fmt.Sprintf("TYPE(%d)", int(t))
	}
}

// Kind of a patch.
type Kind int

const (
	KindPatch Kind = iota
	KindHotReload
)

// ParseKind parses the type field of patch metadata: patch or hot reload,
// case insensitive and with optional '_' or '-' separators, or the numeric
// codes 0 and 1.
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "patch", "0":
		return KindPatch, nil
	case "hotreload", "1":
		return KindHotReload, nil
	default:
		return 0, fmt.Errorf("unknown patch type %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindPatch:
		return "patch"
	case KindHotReload:
		return "hotreload"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
