package devserver

import "github.com/conneroisu/bundlr/internal/hmr"

// State is the lifecycle of the current generation.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateReady
	StateFailed
)

// String returns the protocol name of the state.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return hmr.StateBuilding
	case StateReady:
		return hmr.StateReady
	case StateFailed:
		return hmr.StateFailed
	default:
		return hmr.StateIdle
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
