package toolexec

import (
	"errors"
	"fmt"
)

// ErrNonZeroExit matches any ToolError through errors.Is.
var ErrNonZeroExit = errors.New("tool exited non-zero")

type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ToolError) Is(target error) bool {
	return target == ErrNonZeroExit
}
