package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
)

// SpawnError classifies a failure to start a child process and carries a
// suggested operator action alongside the original error.
type SpawnError struct {
	Code       string
	Suggestion string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CapacityError is returned when a spawn would exceed the configured
// concurrency cap.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("CAPACITY_EXCEEDED: %d of %d slots in use", e.Active, e.Max)
}

// ClassifySpawnError maps a spawn failure to a stable code with a suggested
// operator action.
func ClassifySpawnError(err error) *SpawnError {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return &SpawnError{
			Code:       "SPAWN_ENOENT",
			Suggestion: "check that the command is installed and on PATH",
			Err:        err,
		}
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return &SpawnError{
			Code:       "SPAWN_EACCES",
			Suggestion: "check the execute permission on the command",
			Err:        err,
		}
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return &SpawnError{
			Code:       "SPAWN_EMFILE",
			Suggestion: "too many open files; raise the fd limit or reduce concurrency",
			Err:        err,
		}
	case errors.Is(err, syscall.ENOMEM):
		return &SpawnError{
			Code:       "SPAWN_ENOMEM",
			Suggestion: "the host is out of memory; reduce concurrency",
			Err:        err,
		}
	default:
		return &SpawnError{
			Code:       "SPAWN_OTHER",
			Suggestion: "inspect the underlying error",
			Err:        err,
		}
	}
}
