package dispatcher

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/UBCore/internal/models"
)

var (
	// ErrStopPropagation ends routing of the current update. Handlers return it
	// to keep later handler groups from seeing the update.
	ErrStopPropagation = errors.New("stop propagation")
	// ErrContinuePropagation lets the next handler of the same group see the
	// update.
	ErrContinuePropagation = errors.New("continue propagation")
	// ErrTaskCancelled is the cancellation cause of tasks cancelled by id.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskNotFound is returned when no running task has the given id.
	ErrTaskNotFound = errors.New("task not found")
)

// IsPropagation reports whether err is a propagation signal.
func IsPropagation(err error) bool {
	return errors.Is(err, ErrStopPropagation) || errors.Is(err, ErrContinuePropagation)
}

// HandlerFault is a handler failure, including recovered panics. It keeps the
// update that triggered it for error reporting.
type HandlerFault struct {
	TaskID  string
	Command string
	Update  *models.Update
	Err     error
	// Stack is set when the fault is a recovered panic.
	Stack []byte
}

func (f *HandlerFault) Error() string {
	if f.Command != "" {
		return fmt.Sprintf("handler %s (task %s) failed: %v", f.Command, f.TaskID, f.Err)
	}
	return fmt.Sprintf("handler for task %s failed: %v", f.TaskID, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }
