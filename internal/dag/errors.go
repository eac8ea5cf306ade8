package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid publish graph")
	ErrCycleFound   = errors.New("cycle detected")
)

// GraphError reports a graph validation failure. Kind is one of the
// sentinel errors above.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	if len(path) == 0 {
		return &GraphError{Kind: ErrCycleFound}
	}
	return &GraphError{Kind: ErrCycleFound, Msg: strings.Join(path, " -> ")}
}
